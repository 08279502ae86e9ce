package webserver

import (
	"strings"
	"testing"

	"deployerd/m/v2/internal/apierr"
)

func TestRenderStatic(t *testing.T) {
	body, err := render(Config{Runtime: RuntimeStatic, Domain: "example.com", DeployPath: "/var/www/p1"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(body, "server_name example.com;") {
		t.Errorf("missing server_name: %s", body)
	}
	if !strings.Contains(body, "root /var/www/p1;") {
		t.Errorf("missing root directive: %s", body)
	}
}

func TestRenderStaticDefaultsDomainToUnderscore(t *testing.T) {
	body, err := render(Config{Runtime: RuntimeStatic, DeployPath: "/var/www/p1"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(body, "server_name _;") {
		t.Errorf("expected default server_name _, got: %s", body)
	}
}

func TestRenderNodeRequiresPort(t *testing.T) {
	_, err := render(Config{Runtime: RuntimeNode})
	if !apierr.Is(err, apierr.KindConfigIncomplete) {
		t.Fatalf("expected ConfigIncomplete, got %v", err)
	}
}

func TestRenderNodeProxiesToRuntimePort(t *testing.T) {
	body, err := render(Config{Runtime: RuntimeNode, RuntimePort: 4321})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(body, "proxy_pass http://127.0.0.1:4321;") {
		t.Errorf("missing proxy_pass: %s", body)
	}
	if !strings.Contains(body, `Connection "upgrade"`) {
		t.Errorf("missing websocket upgrade header: %s", body)
	}
}
