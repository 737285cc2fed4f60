package auth

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ValidationResult is the outcome of credential validation. Warnings never
// block validity; only structural violations do.
type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

type fieldRule struct {
	required bool
	check    func(name string, v any) (errs, warns []string)
}

type brokerSchema map[string]fieldRule

// Validator checks broker credentials against per-broker schemas before
// any network call or storage happens.
type Validator struct {
	schemas map[string]brokerSchema
}

// NewValidator builds the validator with the built-in broker schemas.
func NewValidator() *Validator {
	return &Validator{schemas: map[string]brokerSchema{
		"ibkr": {
			"host":     {required: true, check: checkNonEmpty},
			"port":     {required: true, check: checkIBKRPort},
			"clientId": {required: true, check: checkNonNegativeInt},
			"username": {check: checkDemoIdentifier},
			"password": {},
		},
		"mt5": {
			"login":    {required: true, check: checkNumericString},
			"password": {required: true, check: checkNonEmpty},
			"server":   {required: true, check: checkMT5Server},
			"path":     {},
		},
		"bybit": {
			"apiKey":     {required: true, check: checkAPIKey},
			"secretKey":  {required: true, check: checkSecretKey},
			"testnet":    {check: checkTestnetFlag},
			"recvWindow": {check: checkNonNegativeInt},
		},
	}}
}

// Validate checks credentials for a broker. Unknown brokers and missing
// required fields are errors; unknown fields are warnings and ignored.
func (v *Validator) Validate(broker string, creds map[string]any) ValidationResult {
	res := ValidationResult{Errors: []string{}, Warnings: []string{}}

	schema, ok := v.schemas[strings.ToLower(broker)]
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("unknown broker %q", broker))
		return res
	}

	for name, rule := range schema {
		val, present := creds[name]
		if !present || val == nil {
			if rule.required {
				res.Errors = append(res.Errors, fmt.Sprintf("missing required field %q", name))
			}
			continue
		}
		if rule.check != nil {
			errs, warns := rule.check(name, val)
			res.Errors = append(res.Errors, errs...)
			res.Warnings = append(res.Warnings, warns...)
		}
	}

	// Permissive by default: unknown fields warn but never reject.
	for name := range creds {
		if _, known := schema[name]; !known {
			res.Warnings = append(res.Warnings, fmt.Sprintf("unknown field %q ignored", name))
		}
	}

	res.IsValid = len(res.Errors) == 0
	return res
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func checkNonEmpty(name string, v any) ([]string, []string) {
	s, ok := asString(v)
	if !ok || strings.TrimSpace(s) == "" {
		return []string{fmt.Sprintf("field %q must be a non-empty string", name)}, nil
	}
	return nil, nil
}

var numericRe = regexp.MustCompile(`^[0-9]+$`)

func checkNumericString(name string, v any) ([]string, []string) {
	switch n := v.(type) {
	case string:
		if !numericRe.MatchString(n) {
			return []string{fmt.Sprintf("field %q must be numeric, got %q", name, n)}, nil
		}
	case int, int64, float64:
	default:
		return []string{fmt.Sprintf("field %q must be numeric", name)}, nil
	}
	return nil, nil
}

func checkNonNegativeInt(name string, v any) ([]string, []string) {
	n, ok := asInt(v)
	if !ok || n < 0 {
		return []string{fmt.Sprintf("field %q must be a non-negative integer", name)}, nil
	}
	return nil, nil
}

// TWS paper trading listens on 7497, the IB gateway paper port is 4002.
// Live ports are 7496 and 4001.
func checkIBKRPort(name string, v any) ([]string, []string) {
	n, ok := asInt(v)
	if !ok || n < 1 || n > 65535 {
		return []string{fmt.Sprintf("field %q must be a valid TCP port", name)}, nil
	}
	if n == 7497 || n == 4002 {
		return nil, []string{fmt.Sprintf("port %d is a paper-trading port; live trading uses 7496/4001", n)}
	}
	return nil, nil
}

func checkMT5Server(name string, v any) ([]string, []string) {
	errs, _ := checkNonEmpty(name, v)
	if errs != nil {
		return errs, nil
	}
	s, _ := asString(v)
	lower := strings.ToLower(s)
	if strings.Contains(lower, "demo") || strings.Contains(lower, "trial") {
		return nil, []string{fmt.Sprintf("server %q looks like a demo server", s)}
	}
	return nil, nil
}

func checkDemoIdentifier(name string, v any) ([]string, []string) {
	s, ok := asString(v)
	if !ok {
		return nil, nil
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "demo") || strings.HasPrefix(lower, "test") {
		return nil, []string{fmt.Sprintf("%s %q looks like a demo account", name, s)}
	}
	return nil, nil
}

func checkAPIKey(name string, v any) ([]string, []string) {
	s, ok := asString(v)
	if !ok || s == "" {
		return []string{"API key must not be empty"}, nil
	}
	if len(s) < 8 {
		return []string{fmt.Sprintf("API key too short (%d chars)", len(s))}, nil
	}
	return nil, nil
}

func checkSecretKey(name string, v any) ([]string, []string) {
	s, ok := asString(v)
	if !ok || s == "" {
		return []string{"secret key must not be empty"}, nil
	}
	if len(s) < 16 {
		return []string{fmt.Sprintf("secret key too short (%d chars)", len(s))}, nil
	}
	return nil, nil
}

func checkTestnetFlag(name string, v any) ([]string, []string) {
	on := false
	switch b := v.(type) {
	case bool:
		on = b
	case string:
		on = strings.EqualFold(b, "true")
	}
	if on {
		return nil, []string{"testnet flag is enabled; orders will not reach production"}
	}
	return nil, nil
}
