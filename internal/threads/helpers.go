package threads

import "encoding/json"

func defaultUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
