package conditional

import (
	"mime"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/unicode"
)

// decodeBody converts the retained bytes to text using the charset declared in
// the Content-Type header, falling back to UTF-8 with U+FFFD for invalid bytes.
// NUL is replaced with U+FFFD as well: Postgres TEXT cannot store it, and
// binary bodies (PDFs, images) are full of it.
func decodeBody(data []byte, contentType string) string {
	return strings.ReplaceAll(decodeCharset(data, contentType), "\x00", "�")
}

func decodeCharset(data []byte, contentType string) string {
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			if label := params["charset"]; label != "" {
				if enc, _ := charset.Lookup(label); enc != nil {
					if out, err := enc.NewDecoder().Bytes(data); err == nil {
						return string(out)
					}
				}
			}
		}
	}
	out, err := unicode.UTF8.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(out)
}
