package agent

import "unicode/utf8"

// Contact columns that historically suffered a latin1 round-trip in the
// upstream fleet database and may need repair before display.
var mojibakeColumns = map[string]bool{
	"publicity_name":  true,
	"manage_leader":   true,
	"overall_contact": true,
	"center_contact":  true,
}

// RepairMojibake tries to undo a UTF-8-as-latin1 misdecode. The value is
// re-encoded as latin1 bytes and re-read as UTF-8; the repaired form is
// adopted only when it yields more CJK characters than the input, so
// clean values are returned untouched.
func RepairMojibake(value string) string {
	if value == "" {
		return value
	}
	raw := make([]byte, 0, len(value))
	for _, r := range value {
		if r > 0xFF {
			// Already holds wide characters, nothing to undo.
			return value
		}
		raw = append(raw, byte(r))
	}
	if !utf8.Valid(raw) {
		return value
	}
	repaired := string(raw)
	if countCJK(repaired) > countCJK(value) {
		return repaired
	}
	return value
}

// RepairRow applies mojibake repair in place to the known-bad columns.
func RepairRow(row map[string]any) {
	for col := range mojibakeColumns {
		if s, ok := row[col].(string); ok {
			row[col] = RepairMojibake(s)
		}
	}
}

func countCJK(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x4E00 && r <= 0x9FFF {
			n++
		}
	}
	return n
}
