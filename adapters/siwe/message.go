// Package siwe parses, formats and verifies Sign-In with Ethereum (EIP-4361) messages.
package siwe

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/sigil/core"
)

const (
	headerSuffix = " wants you to sign in with your Ethereum account:"

	uriTag       = "URI: "
	versionTag   = "Version: "
	chainIDTag   = "Chain ID: "
	nonceTag     = "Nonce: "
	issuedAtTag  = "Issued At: "
	expiresTag   = "Expiration Time: "
	notBeforeTag = "Not Before: "
	requestIDTag = "Request ID: "
	resourcesTag = "Resources:"

	minNonceLength = 8
)

// Message is a parsed EIP-4361 message
type Message struct {
	Scheme         string
	Domain         string
	Address        common.Address
	Statement      string
	URI            string
	Version        string
	ChainID        int64
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime *time.Time
	NotBefore      *time.Time
	RequestID      string
	Resources      []string
}

// ParseMessage parses the human-readable message a wallet signed.
// Any deviation from the EIP-4361 layout yields core.ErrInvalidMessage.
func ParseMessage(raw string) (*Message, error) {
	p := &parser{lines: strings.Split(strings.TrimSuffix(raw, "\n"), "\n")}
	msg, err := p.parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidMessage, err)
	}
	return msg, nil
}

// String formats the message exactly as it must be presented for signing
func (m *Message) String() string {
	var b strings.Builder

	domain := m.Domain
	if m.Scheme != "" {
		domain = m.Scheme + "://" + m.Domain
	}
	b.WriteString(domain + headerSuffix + "\n")
	b.WriteString(m.Address.Hex() + "\n\n")
	if m.Statement != "" {
		b.WriteString(m.Statement + "\n")
	}
	b.WriteString("\n")

	b.WriteString(uriTag + m.URI + "\n")
	b.WriteString(versionTag + m.Version + "\n")
	b.WriteString(chainIDTag + strconv.FormatInt(m.ChainID, 10) + "\n")
	b.WriteString(nonceTag + m.Nonce + "\n")
	b.WriteString(issuedAtTag + m.IssuedAt.UTC().Format(time.RFC3339Nano))
	if m.ExpirationTime != nil {
		b.WriteString("\n" + expiresTag + m.ExpirationTime.UTC().Format(time.RFC3339Nano))
	}
	if m.NotBefore != nil {
		b.WriteString("\n" + notBeforeTag + m.NotBefore.UTC().Format(time.RFC3339Nano))
	}
	if m.RequestID != "" {
		b.WriteString("\n" + requestIDTag + m.RequestID)
	}
	if len(m.Resources) > 0 {
		b.WriteString("\n" + resourcesTag)
		for _, r := range m.Resources {
			b.WriteString("\n- " + r)
		}
	}

	return b.String()
}

type parser struct {
	lines []string
	pos   int
}

func (p *parser) parse() (*Message, error) {
	msg := &Message{}

	header, ok := p.next()
	if !ok || !strings.HasSuffix(header, headerSuffix) {
		return nil, fmt.Errorf("missing header")
	}
	msg.Domain = strings.TrimSuffix(header, headerSuffix)
	if scheme, domain, found := strings.Cut(msg.Domain, "://"); found {
		msg.Scheme, msg.Domain = scheme, domain
	}
	if msg.Domain == "" || strings.ContainsAny(msg.Domain, " /") {
		return nil, fmt.Errorf("invalid domain %q", msg.Domain)
	}

	addr, ok := p.next()
	if !ok || !common.IsHexAddress(addr) || !strings.HasPrefix(addr, "0x") {
		return nil, fmt.Errorf("invalid address")
	}
	msg.Address = common.HexToAddress(addr)

	if err := p.statement(msg); err != nil {
		return nil, err
	}

	var err error
	if msg.URI, err = p.tagged(uriTag); err != nil {
		return nil, err
	}
	if msg.Version, err = p.tagged(versionTag); err != nil {
		return nil, err
	}
	if msg.Version != "1" {
		return nil, fmt.Errorf("unsupported version %q", msg.Version)
	}

	chainID, err := p.tagged(chainIDTag)
	if err != nil {
		return nil, err
	}
	if msg.ChainID, err = strconv.ParseInt(chainID, 10, 64); err != nil || msg.ChainID <= 0 {
		return nil, fmt.Errorf("invalid chain id %q", chainID)
	}

	if msg.Nonce, err = p.tagged(nonceTag); err != nil {
		return nil, err
	}
	if !validNonce(msg.Nonce) {
		return nil, fmt.Errorf("invalid nonce")
	}

	issuedAt, err := p.tagged(issuedAtTag)
	if err != nil {
		return nil, err
	}
	if msg.IssuedAt, err = time.Parse(time.RFC3339Nano, issuedAt); err != nil {
		return nil, fmt.Errorf("invalid issued at: %w", err)
	}

	if msg.ExpirationTime, err = p.optionalTime(expiresTag); err != nil {
		return nil, err
	}
	if msg.NotBefore, err = p.optionalTime(notBeforeTag); err != nil {
		return nil, err
	}
	if v, ok := p.optional(requestIDTag); ok {
		msg.RequestID = v
	}
	if line, ok := p.peek(); ok && line == resourcesTag {
		p.pos++
		for {
			line, ok := p.peek()
			if !ok || !strings.HasPrefix(line, "- ") {
				break
			}
			msg.Resources = append(msg.Resources, strings.TrimPrefix(line, "- "))
			p.pos++
		}
	}

	if p.pos != len(p.lines) {
		return nil, fmt.Errorf("unexpected content at line %d", p.pos+1)
	}

	return msg, nil
}

// statement consumes the blank-line framed statement, which may be absent
func (p *parser) statement(msg *Message) error {
	if line, ok := p.next(); !ok || line != "" {
		return fmt.Errorf("expected blank line after address")
	}

	line, ok := p.peek()
	if !ok {
		return fmt.Errorf("truncated message")
	}
	switch {
	case strings.HasPrefix(line, uriTag):
		return nil
	case line == "":
		p.pos++
		return nil
	}

	if strings.Contains(line, "\r") {
		return fmt.Errorf("invalid statement")
	}
	msg.Statement = line
	p.pos++
	if line, ok := p.next(); !ok || line != "" {
		return fmt.Errorf("expected blank line after statement")
	}
	return nil
}

func (p *parser) next() (string, bool) {
	line, ok := p.peek()
	if ok {
		p.pos++
	}
	return line, ok
}

func (p *parser) peek() (string, bool) {
	if p.pos >= len(p.lines) {
		return "", false
	}
	return p.lines[p.pos], true
}

func (p *parser) tagged(tag string) (string, error) {
	line, ok := p.next()
	if !ok || !strings.HasPrefix(line, tag) {
		return "", fmt.Errorf("missing %q", strings.TrimSpace(tag))
	}
	value := strings.TrimPrefix(line, tag)
	if value == "" {
		return "", fmt.Errorf("empty %q", strings.TrimSpace(tag))
	}
	return value, nil
}

func (p *parser) optional(tag string) (string, bool) {
	line, ok := p.peek()
	if !ok || !strings.HasPrefix(line, tag) {
		return "", false
	}
	p.pos++
	return strings.TrimPrefix(line, tag), true
}

func (p *parser) optionalTime(tag string) (*time.Time, error) {
	v, ok := p.optional(tag)
	if !ok {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %q: %w", strings.TrimSpace(tag), err)
	}
	return &t, nil
}

func validNonce(nonce string) bool {
	if len(nonce) < minNonceLength {
		return false
	}
	for _, r := range nonce {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}
