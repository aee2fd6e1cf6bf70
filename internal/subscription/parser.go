// Package subscription refreshes the upstream tunnel set from
// subscription URLs and hands port assignments to the forwarder.
package subscription

import (
	"encoding/base64"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/tokspider/tokspider/internal/model"
)

// blockedServer is a dead placeholder host some providers pad their
// lists with.
const blockedServer = "9.9.9.9"

// ssLinkRE splits an ss:// URI body into credentials, server, port and
// optional tag.
var ssLinkRE = regexp.MustCompile(`^(?P<params>.+)@(?P<server>[^:]+):(?P<port>\d+)(?:/\?(?P<extra>[^#]*))?(?:#(?P<tag>.*))?$`)

// Parse extracts tunnel specs from raw subscription content. Accepts
// URI line lists (optionally base64-wrapped) and Clash YAML. Entries
// that fail to parse are skipped, not fatal.
func Parse(data []byte) ([]model.TunnelSpec, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, fmt.Errorf("subscription: empty response")
	}

	if looksLikeClashYAML(text) {
		return parseClashYAML(text)
	}

	if !strings.Contains(text, "://") {
		text = decodeBase64Text(text)
	}
	if !strings.Contains(text, "://") {
		return nil, fmt.Errorf("subscription: unsupported format")
	}

	var specs []model.TunnelSpec
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.Contains(line, "://") {
			line = decodeBase64Text(line)
		}
		spec, err := parseShadowsocksURI(line)
		if err != nil {
			log.Printf("[subscription] skip link: %v", err)
			continue
		}
		if spec.Server == blockedServer {
			continue
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// parseShadowsocksURI parses one ss:// link. The credential block is
// base64 "method:password".
func parseShadowsocksURI(link string) (model.TunnelSpec, error) {
	rest, ok := strings.CutPrefix(link, "ss://")
	if !ok {
		return model.TunnelSpec{}, fmt.Errorf("unsupported scheme in %q", truncate(link))
	}

	m := ssLinkRE.FindStringSubmatch(rest)
	if m == nil {
		return model.TunnelSpec{}, fmt.Errorf("malformed ss link %q", truncate(link))
	}
	params := m[ssLinkRE.SubexpIndex("params")]
	server := m[ssLinkRE.SubexpIndex("server")]
	portStr := m[ssLinkRE.SubexpIndex("port")]
	tag := m[ssLinkRE.SubexpIndex("tag")]

	creds := decodeBase64Text(params)
	method, password, ok := strings.Cut(creds, ":")
	if !ok || strings.Contains(password, ":") {
		return model.TunnelSpec{}, fmt.Errorf("bad credential block in %q", truncate(link))
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return model.TunnelSpec{}, fmt.Errorf("bad port %q in %q", portStr, truncate(link))
	}

	return model.TunnelSpec{
		URL:      link,
		Type:     "ss",
		Server:   server,
		Port:     port,
		Method:   method,
		Password: password,
		Tag:      tag,
	}, nil
}

// parseClashYAML reads the proxies block of a Clash config and keeps
// the shadowsocks entries.
func parseClashYAML(text string) ([]model.TunnelSpec, error) {
	var cfg struct {
		Proxies []map[string]any `yaml:"proxies"`
	}
	if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return nil, fmt.Errorf("subscription: unmarshal clash yaml: %w", err)
	}

	var specs []model.TunnelSpec
	for _, proxy := range cfg.Proxies {
		typ := strings.ToLower(strings.TrimSpace(getString(proxy, "type")))
		if typ != "ss" && typ != "shadowsocks" {
			continue
		}
		server := strings.TrimSpace(getString(proxy, "server"))
		method := strings.TrimSpace(firstNonEmpty(getString(proxy, "cipher"), getString(proxy, "method")))
		password := strings.TrimSpace(getString(proxy, "password"))
		port, ok := getInt(proxy, "port")
		if server == "" || server == blockedServer || method == "" || password == "" || !ok {
			continue
		}

		creds := base64.URLEncoding.EncodeToString([]byte(method + ":" + password))
		specs = append(specs, model.TunnelSpec{
			URL:      fmt.Sprintf("ss://%s@%s:%d", creds, server, port),
			Type:     "ss",
			Server:   server,
			Port:     port,
			Method:   method,
			Password: password,
			Tag:      strings.TrimSpace(getString(proxy, "name")),
		})
	}
	return specs, nil
}

func looksLikeClashYAML(text string) bool {
	return strings.Contains(text, "proxies:")
}

// decodeBase64Text decodes URL-safe base64 with missing padding
// tolerated; non-base64 input comes back unchanged.
func decodeBase64Text(s string) string {
	text := strings.TrimSpace(s)
	text = strings.ReplaceAll(text, "_", "/")
	text = strings.ReplaceAll(text, "-", "+")
	if n := len(text) % 4; n != 0 {
		text += strings.Repeat("=", 4-n)
	}
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil || !utf8.Valid(decoded) {
		return s
	}
	return string(decoded)
}

func getString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func getInt(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string) string {
	if len(s) <= 80 {
		return s
	}
	return s[:80] + "..."
}
