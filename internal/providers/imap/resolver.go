package imap

import (
	"fmt"
	"strings"
)

// knownServers maps mail domains to their IMAPS endpoints
var knownServers = map[string]string{
	"gmail.com":      "imap.gmail.com:993",
	"googlemail.com": "imap.gmail.com:993",
	"outlook.com":    "outlook.office365.com:993",
	"hotmail.com":    "outlook.office365.com:993",
	"live.com":       "outlook.office365.com:993",
	"yahoo.com":      "imap.mail.yahoo.com:993",
	"icloud.com":     "imap.mail.me.com:993",
	"me.com":         "imap.mail.me.com:993",
	"aol.com":        "imap.aol.com:993",
	"zoho.com":       "imap.zoho.com:993",
	"fastmail.com":   "imap.fastmail.com:993",
	"gmx.com":        "imap.gmx.com:993",
	"yandex.com":     "imap.yandex.com:993",
	"proton.me":      "127.0.0.1:1143",
}

// ResolveServer returns host:port of the IMAPS server for an address.
// Unknown domains fall back to imap.<domain>:993.
func ResolveServer(email string) (string, error) {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", fmt.Errorf("invalid email address %q", email)
	}
	domain := strings.ToLower(email[at+1:])
	if server, ok := knownServers[domain]; ok {
		return server, nil
	}
	return "imap." + domain + ":993", nil
}
