package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// EncodeBase64 uses the unpadded standard alphabet Matrix uses for keys and signatures.
func EncodeBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// DecodeBase64 accepts both padded and unpadded input.
func DecodeBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// CanonicalJSON encodes v with sorted keys, no insignificant whitespace and no HTML escaping,
// dropping the top-level signatures and unsigned fields. Signatures are computed over this form.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	if m, ok := generic.(map[string]interface{}); ok {
		delete(m, "signatures")
		delete(m, "unsigned")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
