package web

import "testing"

func TestParseAcct(t *testing.T) {
	cases := []struct {
		resource string
		name     string
		host     string
		wantErr  bool
	}{
		{"acct:alice@example.com", "alice", "example.com", false},
		{"alice@example.com", "alice", "example.com", false},
		{"acct:golang@sub.example.com", "golang", "sub.example.com", false},
		{"acct:alice", "", "", true},
		{"acct:@example.com", "", "", true},
		{"acct:alice@", "", "", true},
		{"", "", "", true},
	}

	for _, tc := range cases {
		name, host, err := parseAcct(tc.resource)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseAcct(%q) should fail", tc.resource)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseAcct(%q) failed: %v", tc.resource, err)
			continue
		}
		if name != tc.name || host != tc.host {
			t.Errorf("parseAcct(%q) = (%q, %q), want (%q, %q)", tc.resource, name, host, tc.name, tc.host)
		}
	}
}
