package conditions

// Condition parameters arrive as JSON-decoded maps, so numbers may be
// float64 even when configured as integers.

func floatParam(params map[string]interface{}, key string, def float64) float64 {
	raw, ok := params[key]
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func stringParam(params map[string]interface{}, key string, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}
