package mapping

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// DefaultLocalHost is used when a --from address omits the host part.
const DefaultLocalHost = "localhost"

const (
	minPort = 1
	maxPort = 65535

	// EncryptedPort is the only target port that selects the TLS transport.
	EncryptedPort = 443
)

type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

var headerToken = regexp.MustCompile("^[!#$%&'*+.^_`|~0-9a-z-]+$")

// Header is a single static override. Name is already normalized.
type Header struct {
	Name  string
	Value string
}

// Spec is the raw, unvalidated form of a Mapping as it comes from the command
// line: "host:port" strings plus header flags in the order they were given.
type Spec struct {
	From    string
	To      string
	Headers []Header
}

// Mapping is one validated local listen address to upstream target relation.
// The zero value is not usable; build it with New.
type Mapping struct {
	localHost  string
	localPort  int
	targetHost string
	targetPort int
	headers    []Header
}

// New validates spec and returns the Mapping it describes. Header names are
// normalized and duplicates collapse to the last value given.
func New(spec Spec) (Mapping, error) {
	localHost, localPort, err := ParseHostPort(FieldFrom, spec.From)
	if err != nil {
		return Mapping{}, err
	}
	if localHost == "" {
		localHost = DefaultLocalHost
	}

	targetHost, targetPort, err := ParseHostPort(FieldTo, spec.To)
	if err != nil {
		return Mapping{}, err
	}
	if targetHost == "" {
		return Mapping{}, configError(FieldTo, spec.To, errors.New("target host must not be empty"))
	}

	headers, err := normalizeHeaders(spec.Headers)
	if err != nil {
		return Mapping{}, err
	}

	return Mapping{
		localHost:  localHost,
		localPort:  localPort,
		targetHost: targetHost,
		targetPort: targetPort,
		headers:    headers,
	}, nil
}

// ParseHostPort splits raw into host and port and checks both. An empty host
// is returned as is; callers decide whether it has a default.
func ParseHostPort(field, raw string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return "", 0, configError(field, raw, errors.New("expected host:port"))
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, configError(field, raw, fmt.Errorf("port %q is not a number", portStr))
	}

	if err := validation.Validate(port,
		validation.Min(minPort).Error("port must be between 1 and 65535"),
		validation.Max(maxPort).Error("port must be between 1 and 65535"),
	); err != nil {
		return "", 0, configError(field, raw, err)
	}

	if err := validation.Validate(host, is.Host); err != nil {
		return "", 0, configError(field, raw, fmt.Errorf("host %q: %w", host, err))
	}

	return host, port, nil
}

// NormalizeHeaderName lowercases name and folds underscores to hyphens so a
// flag such as --X_Custom_Header becomes x-custom-header.
func NormalizeHeaderName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

func normalizeHeaders(in []Header) ([]Header, error) {
	out := make([]Header, 0, len(in))
	index := make(map[string]int, len(in))

	for _, h := range in {
		name := NormalizeHeaderName(h.Name)
		if err := validation.Validate(name,
			validation.Required.Error("header name must not be empty"),
			validation.Match(headerToken).Error("header name must be a valid HTTP token"),
		); err != nil {
			return nil, configError(FieldHeader, h.Name, err)
		}

		if i, ok := index[name]; ok {
			out[i].Value = h.Value
			continue
		}
		index[name] = len(out)
		out = append(out, Header{Name: name, Value: h.Value})
	}

	return out, nil
}

func (m Mapping) LocalHost() string  { return m.localHost }
func (m Mapping) LocalPort() int     { return m.localPort }
func (m Mapping) TargetHost() string { return m.targetHost }
func (m Mapping) TargetPort() int    { return m.targetPort }

// LocalAddr is the address the mapping's listener binds.
func (m Mapping) LocalAddr() string {
	return net.JoinHostPort(m.localHost, strconv.Itoa(m.localPort))
}

// TargetAddr is the upstream host:port requests are forwarded to.
func (m Mapping) TargetAddr() string {
	return net.JoinHostPort(m.targetHost, strconv.Itoa(m.targetPort))
}

// Scheme reports the upstream transport: https for port 443, http otherwise.
func (m Mapping) Scheme() Scheme {
	if m.targetPort == EncryptedPort {
		return SchemeHTTPS
	}
	return SchemeHTTP
}

// Headers returns a copy of the overrides in the order they were first given.
func (m Mapping) Headers() []Header {
	out := make([]Header, len(m.headers))
	copy(out, m.headers)
	return out
}

// Each calls fn for every override without copying.
func (m Mapping) Each(fn func(name, value string)) {
	for _, h := range m.headers {
		fn(h.Name, h.Value)
	}
}

// Override returns the override value for name, if any.
func (m Mapping) Override(name string) (string, bool) {
	name = NormalizeHeaderName(name)
	for _, h := range m.headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

func (m Mapping) String() string {
	return fmt.Sprintf("http://%s -> %s://%s", m.LocalAddr(), m.Scheme(), m.TargetAddr())
}

// Validate checks a whole mapping list before anything binds. Every entry
// must have been built by New.
func Validate(mappings []Mapping) error {
	return validation.Validate(mappings,
		validation.Required.Error("at least one mapping is required"),
		validation.Each(validation.By(validateMapping)),
	)
}

func validateMapping(value interface{}) error {
	m, ok := value.(Mapping)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a Mapping")
	}
	if m.localPort == 0 || m.targetPort == 0 || m.targetHost == "" {
		return validation.NewError("validation_uninitialized_mapping", "mapping must be built with mapping.New")
	}
	return nil
}
