package protocol

// Dict encoding helpers. Typed fields are lowered to the same shapes that
// JSON decoding produces (map[string]any, []any), so a dict built by
// ToDict and a dict decoded from its JSON bytes are interchangeable.

func stringsDict(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func intsDict(ns []int) []any {
	out := make([]any, len(ns))
	for i, n := range ns {
		out[i] = n
	}
	return out
}

func whoHasDict(m map[string][]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, workers := range m {
		out[k] = stringsDict(workers)
	}
	return out
}

func nbytesDict(m map[string]int64) map[string]any {
	out := make(map[string]any, len(m))
	for k, n := range m {
		out[k] = n
	}
	return out
}

func floatsDict(m map[string]float64) map[string]any {
	out := make(map[string]any, len(m))
	for k, f := range m {
		out[k] = f
	}
	return out
}

func anyDict(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
