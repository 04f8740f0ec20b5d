package session

import (
	"encoding/base64"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// renderQR encodes a raw pairing payload as a PNG data URL, the form
// consumed by web clients.
func renderQR(payload string) (string, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// numberFromJID extracts the bare phone number from a session's own JID.
func numberFromJID(jid string) string {
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		return jid[:i]
	}
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}
