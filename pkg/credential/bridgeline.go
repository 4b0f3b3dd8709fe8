package credential

import (
	"bytes"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// bridgeLine is one entry of a Credential's embedded bridgelines[] array
//: {addr: bytes, port: int, info: bytes}. Each byte field is read either
// as a JSON string taken as raw bytes or as a JSON array of byte values
// (see decodeBytesField); base64 is not decoded.
type bridgeLineJSON struct {
	Addr []byte `json:"addr"`
	Port int    `json:"port"`
	Info []byte `json:"info"`
}

var (
	infoTypeRe        = regexp.MustCompile(`type=(\S+)`)
	infoFingerprintRe = regexp.MustCompile(`fingerprint="([0-9A-Fa-f]+)"`)
	infoParamsRe      = regexp.MustCompile(`params=Some\((\{[^}]*\})\)`)
)

// ExtractBridgeLines parses a Credential's embedded bridgelines[] into the
// torrc-style bridge line strings TransportProvider expects:
//
//	"{transport} {addr}:{port} {fingerprint} {params}"
//
// A bridgelines entry that can't be fully parsed (missing fingerprint, for
// instance) is skipped rather than producing a malformed line. An entry
// that lacks an addr, port or info field fails the whole call instead.
func ExtractBridgeLines(cred string) ([]string, error) {
	result := gjson.Get(cred, "bridgelines")
	if !result.Exists() || !result.IsArray() {
		return nil, fmt.Errorf("credential has no bridgelines array")
	}

	var lines []string
	var parseErr error
	result.ForEach(func(_, entry gjson.Result) bool {
		line, ok, err := parseBridgeLine(entry)
		if err != nil {
			parseErr = err
			return false
		}
		if ok {
			lines = append(lines, line)
		}
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return lines, nil
}

func parseBridgeLine(entry gjson.Result) (line string, ok bool, err error) {
	var bl bridgeLineJSON
	if err := unmarshalBridgeLine(entry, &bl); err != nil {
		return "", false, err
	}

	addr := trimTrailingNuls(bl.Addr)
	info := trimTrailingNuls(bl.Info)
	if !isValidUTF8Bridge(addr) || !isValidUTF8Bridge(info) {
		return "", false, nil
	}

	infoStr := string(info)
	typ := infoTypeRe.FindStringSubmatch(infoStr)
	fingerprint := infoFingerprintRe.FindStringSubmatch(infoStr)
	params := infoParamsRe.FindStringSubmatch(infoStr)
	if typ == nil || fingerprint == nil {
		return "", false, nil
	}

	transport := typ[1]
	fp := fingerprint[1]
	paramStr := ""
	if params != nil {
		paramStr = params[1]
	}

	return fmt.Sprintf("%s %s:%d %s %s", transport, addr, bl.Port, fp, paramStr), true, nil
}

func unmarshalBridgeLine(entry gjson.Result, out *bridgeLineJSON) error {
	addr := entry.Get("addr")
	port := entry.Get("port")
	info := entry.Get("info")
	if !addr.Exists() || !port.Exists() || !info.Exists() {
		return fmt.Errorf("bridgeline entry missing addr/port/info")
	}
	out.Addr = decodeBytesField(addr)
	out.Port = int(port.Int())
	out.Info = decodeBytesField(info)
	return nil
}

// decodeBytesField accepts either a JSON string (treated as raw bytes) or a
// JSON array of byte values, since the engine's blob encoding is opaque.
func decodeBytesField(r gjson.Result) []byte {
	if r.IsArray() {
		var buf []byte
		r.ForEach(func(_, v gjson.Result) bool {
			buf = append(buf, byte(v.Int()))
			return true
		})
		return buf
	}
	return []byte(r.String())
}

func trimTrailingNuls(b []byte) []byte {
	return bytes.TrimRight(b, "\x00")
}

// isValidUTF8Bridge reports whether b can be rendered into the string torrc
// format; a component that fails UTF-8 decoding is treated as unparseable
// rather than producing mojibake.
func isValidUTF8Bridge(b []byte) bool {
	return utf8.Valid(b)
}
