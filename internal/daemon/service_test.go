package daemon

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderService(t *testing.T) {
	tests := []struct {
		kind ServiceKind
		want []string
	}{
		{ServiceLaunchd, []string{"<string>" + serviceLabel + "</string>", "<string>/usr/local/bin/llmrelay</string>", "/data/llmrelay.err.log"}},
		{ServiceSystemd, []string{"ExecStart=/usr/local/bin/llmrelay start --foreground", "WorkingDirectory=/data"}},
	}
	for _, tt := range tests {
		out, err := RenderService(tt.kind, "/usr/local/bin/llmrelay", "/data")
		if err != nil {
			t.Fatalf("RenderService(%s): %v", tt.kind, err)
		}
		for _, w := range tt.want {
			if !strings.Contains(string(out), w) {
				t.Errorf("%s unit missing %q", tt.kind, w)
			}
		}
	}
}

func TestRenderService_UnknownKind(t *testing.T) {
	if _, err := RenderService("upstart", "/bin/llmrelay", "/data"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestServicePath(t *testing.T) {
	if got := servicePath(ServiceLaunchd, "/home/u"); got != filepath.Join("/home/u", "Library", "LaunchAgents", serviceLabel+".plist") {
		t.Errorf("launchd path = %s", got)
	}
	if got := servicePath(ServiceSystemd, "/home/u"); got != "/home/u/.config/systemd/user/llmrelay.service" {
		t.Errorf("systemd path = %s", got)
	}
}
