package license

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf8"
)

// Canonicalize returns the signed byte form of rec: compact JSON with every
// object's keys in lexicographic order, integers in base 10, the machine
// list in its original order and the signature field left out. Two records
// that differ only in signature or map insertion order produce identical
// bytes.
func Canonicalize(rec *Record) ([]byte, error) {
	if rec == nil {
		return nil, newError(KindEncoding, "canonicalize", fmt.Errorf("nil record"))
	}
	if err := CheckMode(rec.Mode); err != nil {
		return nil, newError(KindEncoding, "canonicalize", err)
	}

	var buf bytes.Buffer
	w := canonicalWriter{buf: &buf}

	// Keys below are written in sorted order; keep it that way when adding fields.
	buf.WriteByte('{')
	w.key("boundMachines", true)
	buf.WriteByte('[')
	for i, m := range rec.BoundMachines {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		w.key("cpuSerial", true)
		w.str(m.CPUSerial)
		w.key("macAddress", false)
		w.str(m.MacAddress)
		w.key("mainBoardSerial", false)
		w.str(m.MainBoardSerial)
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	w.key("customer", false)
	w.str(rec.Customer)
	w.key("expireDate", false)
	w.int(rec.ExpireDate)
	w.key("features", false)
	w.features(rec.Features)
	if rec.FirstUsedAt != nil {
		w.key("firstUsedAt", false)
		w.int(*rec.FirstUsedAt)
	}
	w.key("issueDate", false)
	w.int(rec.IssueDate)
	w.key("licenseId", false)
	w.str(rec.LicenseID)
	w.key("mode", false)
	w.str(string(rec.Mode))
	w.key("projectId", false)
	w.str(rec.ProjectID)
	buf.WriteByte('}')

	if w.err != nil {
		return nil, newError(KindEncoding, "canonicalize", w.err)
	}
	return buf.Bytes(), nil
}

type canonicalWriter struct {
	buf *bytes.Buffer
	err error
}

func (w *canonicalWriter) key(name string, first bool) {
	if !first {
		w.buf.WriteByte(',')
	}
	w.str(name)
	w.buf.WriteByte(':')
}

func (w *canonicalWriter) str(s string) {
	if w.err != nil {
		return
	}
	if !utf8.ValidString(s) {
		w.err = fmt.Errorf("string %q is not valid UTF-8", s)
		return
	}
	// encoding/json escapes deterministically and never fails on a valid string.
	b, err := json.Marshal(s)
	if err != nil {
		w.err = err
		return
	}
	w.buf.Write(b)
}

func (w *canonicalWriter) int(v int64) {
	w.buf.WriteString(strconv.FormatInt(v, 10))
}

func (w *canonicalWriter) features(f map[string]bool) {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.buf.WriteByte('{')
	for i, k := range keys {
		w.key(k, i == 0)
		w.buf.WriteString(strconv.FormatBool(f[k]))
	}
	w.buf.WriteByte('}')
}
