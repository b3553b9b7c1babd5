// Package uri parses and formats the pairing URI exchanged out-of-band
// between peers: wc:{topic}@{version}?controller={bool}&publicKey={hex}&relay={urlencoded json}
package uri

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/omniconnect/wc2core/wcerr"
)

// Relay mirrors the relay descriptor embedded in both the URI and every
// settled sequence record.
type Relay struct {
	Protocol string `json:"protocol"`
	Data     string `json:"data,omitempty"`
}

// URI is the parsed form of a pairing signal string.
type URI struct {
	Topic      string
	Version    int
	PublicKey  string
	Controller bool
	Relay      Relay
}

const scheme = "wc:"

// Parse decodes a wc: URI into its structured form. It rejects malformed
// input with wcerr.InvalidUri rather than returning partially populated
// values.
func Parse(raw string) (URI, error) {
	const op = "uri.Parse"
	if !strings.HasPrefix(raw, scheme) {
		return URI{}, wcerr.New(op, wcerr.InvalidUri, fmt.Errorf("missing %q scheme", scheme))
	}
	rest := raw[len(scheme):]

	atIdx := strings.IndexByte(rest, '@')
	qIdx := strings.IndexByte(rest, '?')
	if atIdx < 0 || qIdx < 0 || qIdx < atIdx {
		return URI{}, wcerr.New(op, wcerr.InvalidUri, fmt.Errorf("malformed uri %q", raw))
	}

	topic := rest[:atIdx]
	versionStr := rest[atIdx+1 : qIdx]
	query := rest[qIdx+1:]
	if topic == "" {
		return URI{}, wcerr.New(op, wcerr.InvalidUri, fmt.Errorf("empty topic"))
	}

	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return URI{}, wcerr.New(op, wcerr.InvalidUri, fmt.Errorf("bad version %q: %w", versionStr, err))
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return URI{}, wcerr.New(op, wcerr.InvalidUri, fmt.Errorf("bad query: %w", err))
	}

	publicKey := values.Get("publicKey")
	if publicKey == "" {
		return URI{}, wcerr.New(op, wcerr.InvalidUri, fmt.Errorf("missing publicKey"))
	}

	controller, err := strconv.ParseBool(values.Get("controller"))
	if err != nil {
		return URI{}, wcerr.New(op, wcerr.InvalidUri, fmt.Errorf("bad controller flag: %w", err))
	}

	relayRaw := values.Get("relay")
	if relayRaw == "" {
		return URI{}, wcerr.New(op, wcerr.InvalidUri, fmt.Errorf("missing relay"))
	}
	var relay Relay
	if err := json.Unmarshal([]byte(relayRaw), &relay); err != nil {
		return URI{}, wcerr.New(op, wcerr.InvalidUri, fmt.Errorf("bad relay json: %w", err))
	}

	return URI{
		Topic:      topic,
		Version:    version,
		PublicKey:  publicKey,
		Controller: controller,
		Relay:      relay,
	}, nil
}

// Format renders a URI back to its wire string. Format(Parse(s)) == s for
// every well-formed s produced by Format itself.
func Format(u URI) (string, error) {
	relayJSON, err := json.Marshal(u.Relay)
	if err != nil {
		return "", wcerr.New("uri.Format", wcerr.InvalidUri, err)
	}
	values := url.Values{}
	values.Set("controller", strconv.FormatBool(u.Controller))
	values.Set("publicKey", u.PublicKey)
	values.Set("relay", string(relayJSON))
	return fmt.Sprintf("%s%s@%d?%s", scheme, u.Topic, u.Version, values.Encode()), nil
}
