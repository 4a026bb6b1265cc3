package domain

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// CanonicalStatus is the mapped (text, description, code) triple derived from
// a validation response. All fields are null when the response carries no
// recognizable status code.
type CanonicalStatus struct {
	Text        sql.NullString
	Description sql.NullString
	Code        sql.NullString
}

// statusCatalog is the closed SUNAT estadoCp enumeration.
var statusCatalog = map[string][2]string{
	"0": {"NO EXISTE", "NO EXISTE (0)"},
	"1": {"ACEPTADO", "ACEPTADO (1)"},
	"2": {"ANULADO", "ANULADO (2)"},
	"3": {"AUTORIZADO", "AUTORIZADO (3)"},
	"4": {"NO AUTORIZADO", "NO AUTORIZADO (4)"},
}

// MapStatus maps the nested data.estadoCp field of a decoded response body to
// the canonical status triple. It is total: catalog codes map to the fixed
// names, any other non-null code maps to a synthetic CODE_<n> pair so unknown
// codes are never dropped, and a missing code yields all-null.
func MapStatus(payload map[string]any) CanonicalStatus {
	var raw any
	if data, ok := payload["data"].(map[string]any); ok {
		raw = data["estadoCp"]
	}
	code := normalizeCode(raw)
	if code == "" {
		return CanonicalStatus{}
	}
	if entry, ok := statusCatalog[code]; ok {
		return CanonicalStatus{
			Text:        sql.NullString{String: entry[0], Valid: true},
			Description: sql.NullString{String: entry[1], Valid: true},
			Code:        sql.NullString{String: code, Valid: true},
		}
	}
	return CanonicalStatus{
		Text:        sql.NullString{String: "CODE_" + code, Valid: true},
		Description: sql.NullString{String: fmt.Sprintf("NO_MAPEADO (%s)", code), Valid: true},
		Code:        sql.NullString{String: code, Valid: true},
	}
}

// normalizeCode renders the raw estadoCp value as a bare integer string when
// possible, otherwise as its trimmed text. JSON numbers decode as float64.
func normalizeCode(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case float64:
		return strconv.Itoa(int(v))
	case int:
		return strconv.Itoa(v)
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.Atoi(s); err == nil {
			return strconv.Itoa(n)
		}
		return s
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

// ExtractMessage returns the first of message/mensaje/observacion present in
// the response body.
func ExtractMessage(payload map[string]any) sql.NullString {
	for _, key := range []string{"message", "mensaje", "observacion"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return sql.NullString{String: v, Valid: true}
		}
	}
	return sql.NullString{}
}
