package commsutil

import "testing"

func TestBuildEnvironmentSubject(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		env    string
		want   string
	}{
		{"default prefix", "", "server", "bus.env.server"},
		{"custom prefix", "jtag", "browser", "jtag.env.browser"},
		{"dotted env", "", "edge.node", "bus.env.edge_node"},
		{"empty env", "", "", "bus.env._"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildEnvironmentSubject(tt.prefix, tt.env)
			if got != tt.want {
				t.Errorf("BuildEnvironmentSubject(%q, %q) = %q, want %q", tt.prefix, tt.env, got, tt.want)
			}
		})
	}
}

func TestBuildEnvironmentRequestSubject(t *testing.T) {
	got := BuildEnvironmentRequestSubject("", "browser")
	if got != "bus.env.browser.req" {
		t.Errorf("BuildEnvironmentRequestSubject = %q, want %q", got, "bus.env.browser.req")
	}
}

func TestBuildNodeSubject(t *testing.T) {
	got := BuildNodeSubject("", "0f1e>*")
	if got != "bus.node.0f1e__" {
		t.Errorf("BuildNodeSubject = %q, want %q", got, "bus.node.0f1e__")
	}
}

func TestBuildEventTapSubject(t *testing.T) {
	tests := []struct {
		name string
		base string
		path string
		want string
	}{
		{"nested path", "", "browser/rooms/updated", "bus.events.browser.rooms.updated"},
		{"custom base", "tap", "/x/", "tap.x"},
		{"empty path", "", "", "bus.events"},
		{"dotted segment", "", "server/v1.2", "bus.events.server.v1_2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildEventTapSubject(tt.base, tt.path)
			if got != tt.want {
				t.Errorf("BuildEventTapSubject(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
			}
		})
	}
}
