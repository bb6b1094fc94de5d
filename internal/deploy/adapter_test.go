package deploy

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"buildloft/pkg/models"
)

func fakeCLI(output string, err error) func(context.Context, string, []string, string, ...string) (string, error) {
	return func(_ context.Context, _ string, _ []string, _ string, _ ...string) (string, error) {
		return output, err
	}
}

func TestDeployVercelParsesURL(t *testing.T) {
	a := NewCLIAdapter(Config{VercelToken: "tok"})
	a.runCommand = fakeCLI("Deploying...\nProduction: https://myapp.vercel.app\n", nil)

	res, err := a.Deploy(context.Background(), "/tmp/ws", models.TargetVercel)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if res.URL != "https://myapp.vercel.app" {
		t.Fatalf("url = %q", res.URL)
	}
}

func TestDeployPassesProviderArgs(t *testing.T) {
	a := NewCLIAdapter(Config{NetlifyToken: "nt"})
	var gotName string
	var gotArgs []string
	a.runCommand = func(_ context.Context, dir string, _ []string, name string, args ...string) (string, error) {
		if dir != "/tmp/ws" {
			t.Fatalf("dir = %q", dir)
		}
		gotName, gotArgs = name, args
		return "Website URL: https://myapp.netlify.app\n", nil
	}

	if _, err := a.Deploy(context.Background(), "/tmp/ws", models.TargetNetlify); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if gotName != "netlify" {
		t.Fatalf("cli = %q", gotName)
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "--prod") || !strings.Contains(joined, "--auth nt") {
		t.Fatalf("args = %v", gotArgs)
	}
}

func TestDeployRenderSetsAPIKeyEnv(t *testing.T) {
	a := NewCLIAdapter(Config{RenderToken: "rk"})
	var gotEnv []string
	a.runCommand = func(_ context.Context, _ string, env []string, _ string, _ ...string) (string, error) {
		gotEnv = env
		return "deploy live at https://myapp.onrender.com\n", nil
	}

	if _, err := a.Deploy(context.Background(), "/tmp/ws", models.TargetRender); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if len(gotEnv) != 1 || gotEnv[0] != "RENDER_API_KEY=rk" {
		t.Fatalf("env = %v", gotEnv)
	}
}

func TestDeployMissingToken(t *testing.T) {
	a := NewCLIAdapter(Config{})
	_, err := a.Deploy(context.Background(), "/tmp/ws", models.TargetVercel)
	if err == nil || !strings.Contains(err.Error(), "VERCEL_TOKEN") {
		t.Fatalf("err = %v", err)
	}
}

func TestDeployCLIFailure(t *testing.T) {
	a := NewCLIAdapter(Config{VercelToken: "tok"})
	a.runCommand = fakeCLI("error: project limit reached\n", fmt.Errorf("exit status 1"))

	_, err := a.Deploy(context.Background(), "/tmp/ws", models.TargetVercel)
	if err == nil || !strings.Contains(err.Error(), "project limit reached") {
		t.Fatalf("err = %v", err)
	}
}

func TestDeployNoURLInOutput(t *testing.T) {
	a := NewCLIAdapter(Config{VercelToken: "tok"})
	a.runCommand = fakeCLI("done, but quiet\n", nil)

	_, err := a.Deploy(context.Background(), "/tmp/ws", models.TargetVercel)
	if err == nil || !strings.Contains(err.Error(), "no deployment URL") {
		t.Fatalf("err = %v", err)
	}
}

func TestDeployUnsupportedTarget(t *testing.T) {
	a := NewCLIAdapter(Config{})
	_, err := a.Deploy(context.Background(), "/tmp/ws", models.DeployTarget("heroku"))
	if err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("err = %v", err)
	}
}
