package remote

import (
	"testing"

	"github.com/webfleet/webfleet/pkg/fleet"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(&Config{
		Host:       "web1.example.com",
		User:       "deploy",
		AuthMethod: AuthPassword,
		Password:   "hunter2",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	_, err := NewClient(&Config{User: "deploy"})
	if !fleet.IsPropagation(err) {
		t.Fatalf("err = %v, want propagation kind", err)
	}
}

func TestRemotePath(t *testing.T) {
	target := NewTarget(testClient(t), "/etc/webfleet/live")
	got := target.RemotePath("nginx/conf.d/lunarsystemx/dev/dev.example.com.conf")
	want := "/etc/webfleet/live/nginx/conf.d/lunarsystemx/dev/dev.example.com.conf"
	if got != want {
		t.Errorf("RemotePath = %q, want %q", got, want)
	}
}

func TestClientNotConnectedInitially(t *testing.T) {
	if testClient(t).Connected() {
		t.Error("fresh client reports connected")
	}
}
