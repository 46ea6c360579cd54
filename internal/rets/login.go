package rets

import (
	"bufio"
	"fmt"
	"net/url"
	"strings"
)

// Capability names advertised in the login reply.
const (
	CapLogin       = "Login"
	CapLogout      = "Logout"
	CapSearch      = "Search"
	CapGetObject   = "GetObject"
	CapGetMetadata = "GetMetadata"
)

// Capabilities holds what the server returned at login: capability URLs plus the
// informational keys (MemberName, MetadataVersion, TimeoutSeconds, ...).
type Capabilities struct {
	URLs map[string]string
	Info map[string]string
}

var capabilityNames = map[string]bool{
	CapLogin:         true,
	CapLogout:        true,
	CapSearch:        true,
	CapGetObject:     true,
	CapGetMetadata:   true,
	"Action":         true,
	"ChangePassword": true,
	"Update":         true,
	"PostObject":     true,
}

func parseLogin(body []byte, base *url.URL) (*Capabilities, error) {
	if err := CheckReply(body); err != nil {
		return nil, err
	}

	root, err := parseTree(body)
	if err != nil {
		return nil, err
	}

	resp := root.child("RETS-RESPONSE")
	if resp == nil {
		return nil, fmt.Errorf("rets: login reply without RETS-RESPONSE")
	}

	caps := &Capabilities{
		URLs: make(map[string]string),
		Info: make(map[string]string),
	}

	scanner := bufio.NewScanner(strings.NewReader(resp.text.String()))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if !capabilityNames[key] {
			caps.Info[key] = value
			continue
		}

		ref, err := url.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("rets: invalid %s capability url %q: %w", key, value, err)
		}
		caps.URLs[key] = base.ResolveReference(ref).String()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read login reply: %w", err)
	}

	if _, ok := caps.URLs[CapSearch]; !ok {
		return nil, fmt.Errorf("rets: login reply did not advertise %s", CapSearch)
	}
	return caps, nil
}
