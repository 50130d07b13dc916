package roster

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// CanonicalKey приводит идентичность к единому ключу ростера.
//
// SIP и SIPS URI разбираются sipgo: порт, параметры и заголовки отбрасываются,
// пользователь и хост приводятся к нижнему регистру ("sip:alice@example.com").
// Остальные идентичности (tel:, алиасы) только обрезаются и приводятся к нижнему регистру.
func CanonicalKey(identity string) string {
	id := strings.TrimSpace(identity)
	id = strings.TrimSuffix(strings.TrimPrefix(id, "<"), ">")

	lower := strings.ToLower(id)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		return lower
	}

	var uri sip.Uri
	if err := sip.ParseUri(lower, &uri); err != nil || uri.Host == "" {
		return lower
	}

	scheme := "sip:"
	if uri.IsEncrypted() {
		scheme = "sips:"
	}
	if uri.User == "" {
		return scheme + uri.Host
	}
	return scheme + uri.User + "@" + uri.Host
}

// Domain возвращает домен идентичности (хост SIP URI или часть после @)
func Domain(identity string) string {
	key := CanonicalKey(identity)
	if i := strings.LastIndex(key, "@"); i >= 0 {
		return key[i+1:]
	}
	if strings.HasPrefix(key, "sip:") || strings.HasPrefix(key, "sips:") {
		return key[strings.Index(key, ":")+1:]
	}
	return ""
}
