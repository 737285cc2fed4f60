package auth

import (
	"strings"
	"testing"
)

func TestValidateBybit(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name      string
		creds     map[string]any
		wantValid bool
		wantErr   string // substring of an expected error, "" for none
		wantWarn  string // substring of an expected warning, "" for none
	}{
		{
			name:      "valid",
			creds:     map[string]any{"apiKey": "abcdefgh1234", "secretKey": "validlongkey1234567890"},
			wantValid: true,
		},
		{
			name:      "empty api key",
			creds:     map[string]any{"apiKey": "", "secretKey": "validlongkey1234567890"},
			wantValid: false,
			wantErr:   "API key",
		},
		{
			name:      "short secret",
			creds:     map[string]any{"apiKey": "abcdefgh1234", "secretKey": "short"},
			wantValid: false,
			wantErr:   "secret key",
		},
		{
			name:      "missing secret",
			creds:     map[string]any{"apiKey": "abcdefgh1234"},
			wantValid: false,
			wantErr:   "secretKey",
		},
		{
			name:      "testnet warns but stays valid",
			creds:     map[string]any{"apiKey": "abcdefgh1234", "secretKey": "validlongkey1234567890", "testnet": true},
			wantValid: true,
			wantWarn:  "testnet",
		},
		{
			name:      "unknown field warns",
			creds:     map[string]any{"apiKey": "abcdefgh1234", "secretKey": "validlongkey1234567890", "extra": 1},
			wantValid: true,
			wantWarn:  "unknown field",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate("bybit", tt.creds)
			if res.IsValid != tt.wantValid {
				t.Fatalf("IsValid = %v, want %v (errors: %v)", res.IsValid, tt.wantValid, res.Errors)
			}
			if tt.wantErr != "" && !containsSubstring(res.Errors, tt.wantErr) {
				t.Fatalf("errors %v missing %q", res.Errors, tt.wantErr)
			}
			if tt.wantWarn != "" && !containsSubstring(res.Warnings, tt.wantWarn) {
				t.Fatalf("warnings %v missing %q", res.Warnings, tt.wantWarn)
			}
		})
	}
}

func TestValidateMT5(t *testing.T) {
	v := NewValidator()

	res := v.Validate("mt5", map[string]any{"login": "abc", "password": "x", "server": "s"})
	if res.IsValid {
		t.Fatal("non-numeric login accepted")
	}
	if !containsSubstring(res.Errors, "login") {
		t.Fatalf("errors %v do not mention login", res.Errors)
	}

	res = v.Validate("mt5", map[string]any{"login": "123456", "password": "x", "server": "MetaQuotes-Demo"})
	if !res.IsValid {
		t.Fatalf("valid mt5 credentials rejected: %v", res.Errors)
	}
	if !containsSubstring(res.Warnings, "demo") {
		t.Fatalf("warnings %v do not flag demo server", res.Warnings)
	}
}

func TestValidateIBKR(t *testing.T) {
	v := NewValidator()

	res := v.Validate("ibkr", map[string]any{"host": "127.0.0.1", "port": 7497, "clientId": 1})
	if !res.IsValid {
		t.Fatalf("valid ibkr credentials rejected: %v", res.Errors)
	}
	if !containsSubstring(res.Warnings, "paper") {
		t.Fatalf("warnings %v do not flag paper port", res.Warnings)
	}

	res = v.Validate("ibkr", map[string]any{"host": "127.0.0.1", "port": 99999, "clientId": 1})
	if res.IsValid {
		t.Fatal("out-of-range port accepted")
	}
}

func TestValidateUnknownBroker(t *testing.T) {
	v := NewValidator()
	if res := v.Validate("etrade", map[string]any{}); res.IsValid {
		t.Fatal("unknown broker accepted")
	}
}

func containsSubstring(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(strings.ToLower(s), strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
