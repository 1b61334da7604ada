package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// sensitiveArgKeys are replaced by a salted hash instead of being stored.
var sensitiveArgKeys = map[string]struct{}{
	"body":    {},
	"text":    {},
	"message": {},
	"subject": {},
	"content": {},
}

// redactArgs hashes free-text argument values while keeping routing fields
// (ids, addresses, urls) intact for investigation.
func redactArgs(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		b, _ := json.Marshal(map[string]any{
			"args_hash":       hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	for k, v := range args {
		if _, sensitive := sensitiveArgKeys[k]; !sensitive {
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			continue
		}
		args[k] = map[string]string{"hash": hashBytes(encoded, salt)}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return raw
	}
	return b
}

func hashBytes(b, salt []byte) string {
	h := sha256.New()
	h.Write(salt)
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
