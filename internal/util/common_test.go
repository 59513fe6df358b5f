package util

import "testing"

func TestRelayHostPort(t *testing.T) {
	cases := map[string]string{
		"wss://relay.damus.io":      "relay.damus.io:443",
		"ws://127.0.0.1:7447":       "127.0.0.1:7447",
		"ws://localhost":            "localhost:80",
		"wss://nos.lol:8443/path?x": "nos.lol:8443",
	}
	for in, want := range cases {
		got, err := RelayHostPort(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Fatalf("%s: got %s, want %s", in, got, want)
		}
	}
	for _, bad := range []string{"ftp://x", "http://x", "https://relay.example:443", "wss://"} {
		if _, err := RelayHostPort(bad); err == nil {
			t.Fatalf("%s: expected error", bad)
		}
	}
}
