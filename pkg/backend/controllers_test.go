package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/webfleet/webfleet/pkg/fleet"
)

type recordedCall struct {
	name string
	args []string
}

// fakeRunner records invocations and returns scripted results.
type fakeRunner struct {
	calls  []recordedCall
	output []byte
	err    error
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, recordedCall{name: name, args: args})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.output, f.err
}

func TestNginxValidateInvokesConfigTest(t *testing.T) {
	fake := &fakeRunner{}
	c := NewNginxController(WithRunner(fake.run))

	if err := c.Validate(context.Background(), "/etc/nginx/conf.d/site.conf"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(fake.calls) != 1 || fake.calls[0].name != "nginx" || fake.calls[0].args[0] != "-t" {
		t.Errorf("calls = %+v", fake.calls)
	}
}

func TestNginxValidateFailurePreservesOutput(t *testing.T) {
	fake := &fakeRunner{
		output: []byte(`nginx: [emerg] unknown directive "banana" in /etc/nginx/conf.d/site.conf:3`),
		err:    errors.New("exit status 1"),
	}
	c := NewNginxController(WithRunner(fake.run))

	err := c.Validate(context.Background(), "site.conf")
	if err == nil {
		t.Fatal("failed validation reported success")
	}
	if fleet.KindOf(err) != fleet.KindValidation {
		t.Errorf("kind = %v, want validation", fleet.KindOf(err))
	}
	if !strings.Contains(err.Error(), "unknown directive") {
		t.Errorf("engine output not preserved: %v", err)
	}
}

func TestReloadCommands(t *testing.T) {
	tests := []struct {
		controller fleet.BackendController
		wantName   string
		wantArgs   []string
	}{
		{NewApacheController(), "systemctl", []string{"reload", "apache2"}},
		{NewTraefikController(), "systemctl", []string{"restart", "traefik"}},
	}
	for _, tt := range tests {
		fake := &fakeRunner{}
		var c fleet.BackendController
		switch tt.controller.Backend() {
		case fleet.BackendApache:
			c = NewApacheController(WithRunner(fake.run))
		case fleet.BackendTraefik:
			c = NewTraefikController(WithRunner(fake.run))
		}
		if err := c.Reload(context.Background()); err != nil {
			t.Fatalf("%s Reload: %v", c.Backend(), err)
		}
		call := fake.calls[0]
		if call.name != tt.wantName {
			t.Errorf("%s reload command = %s", c.Backend(), call.name)
		}
		for i, a := range tt.wantArgs {
			if call.args[i] != a {
				t.Errorf("%s reload args = %v", c.Backend(), call.args)
			}
		}
	}
}

func TestTimeoutClassifiedAsTimeout(t *testing.T) {
	fake := &fakeRunner{}
	c := NewNginxController(WithRunner(fake.run))

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	err := c.Validate(ctx, "site.conf")
	if err == nil {
		t.Fatal("expired context reported success")
	}
	if !fleet.IsTimeout(err) {
		t.Errorf("kind = %v, want timeout", fleet.KindOf(err))
	}
	// Timeouts take the validation recovery path.
	if !fleet.IsValidation(err) {
		t.Error("timeout not treated as a validation failure")
	}
}

func TestTraefikValidateParsesFile(t *testing.T) {
	c := NewTraefikController()
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yml")
	os.WriteFile(good, []byte("http:\n  routers: {}\n  services: {}\n"), 0o644)
	if err := c.Validate(context.Background(), good); err != nil {
		t.Errorf("valid file rejected: %v", err)
	}

	bad := filepath.Join(dir, "bad.yml")
	os.WriteFile(bad, []byte("http:\n  routers: [unclosed\n"), 0o644)
	err := c.Validate(context.Background(), bad)
	if err == nil || fleet.KindOf(err) != fleet.KindValidation {
		t.Errorf("malformed file: got %v", err)
	}

	noHTTP := filepath.Join(dir, "empty.yml")
	os.WriteFile(noHTTP, []byte("tcp: {}\n"), 0o644)
	if err := c.Validate(context.Background(), noHTTP); err == nil {
		t.Error("file without http section accepted")
	}
}

func TestControllersCoverAllBackends(t *testing.T) {
	cs := Controllers()
	for _, b := range []fleet.BackendType{fleet.BackendNginx, fleet.BackendApache, fleet.BackendTraefik} {
		c, ok := cs[b]
		if !ok {
			t.Fatalf("no controller for %s", b)
		}
		if c.Backend() != b {
			t.Errorf("controller for %s reports %s", b, c.Backend())
		}
	}
}
