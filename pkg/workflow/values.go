package workflow

import "fmt"

// String returns the string held by port
func (v Values) String(port string) (string, error) {
	raw, ok := v[port]
	if !ok {
		return "", fmt.Errorf("missing value %q", port)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("value %q is %T, want string", port, raw)
	}
	return s, nil
}

// Strings returns the list of paths held by port
func (v Values) Strings(port string) ([]string, error) {
	raw, ok := v[port]
	if !ok {
		return nil, fmt.Errorf("missing value %q", port)
	}
	l, err := toStrings(raw)
	if err != nil {
		return nil, fmt.Errorf("value %q: %w", port, err)
	}
	return l, nil
}

// Bool returns the flag held by port
func (v Values) Bool(port string) (bool, error) {
	raw, ok := v[port]
	if !ok {
		return false, fmt.Errorf("missing value %q", port)
	}
	b, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("value %q is %T, want bool", port, raw)
	}
	return b, nil
}

// Float returns the number held by port
func (v Values) Float(port string) (float64, error) {
	switch n := v[port].(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case nil:
		return 0, fmt.Errorf("missing value %q", port)
	default:
		return 0, fmt.Errorf("value %q is %T, want number", port, n)
	}
}

// Int returns the integer held by port
func (v Values) Int(port string) (int, error) {
	switch n := v[port].(type) {
	case int:
		return n, nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("value %q is not an integer: %g", port, n)
		}
		return int(n), nil
	case nil:
		return 0, fmt.Errorf("missing value %q", port)
	default:
		return 0, fmt.Errorf("value %q is %T, want integer", port, n)
	}
}
