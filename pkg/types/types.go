package types

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
)

type LSN uint64

func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

func (l LSN) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *LSN) UnmarshalText(text []byte) error {
	parsed, err := pglogrepl.ParseLSN(string(text))
	if err != nil {
		return err
	}
	*l = LSN(parsed)
	return nil
}

// Role is the replication role a backend plays in the cluster.
// The zero value is RoleUnknown so that an unmapped address can never be
// mistaken for a real role.
type Role int

const (
	RoleUnknown Role = iota
	RolePrimary
	RoleStandby
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleStandby:
		return "standby"
	default:
		return "unknown"
	}
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary":
		return RolePrimary, nil
	case "standby", "replica":
		return RoleStandby, nil
	case "unknown":
		return RoleUnknown, nil
	default:
		return RoleUnknown, fmt.Errorf("invalid role %q", s)
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

type Kind string

const (
	KindRead          Kind = "read"
	KindWrite         Kind = "write"
	KindTransactional Kind = "transactional"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindRead, KindWrite, KindTransactional:
		return k, nil
	default:
		return "", fmt.Errorf("invalid probe kind %q", s)
	}
}

type ErrorKind string

const (
	ErrorNone           ErrorKind = ""
	ErrorConnection     ErrorKind = "connection"
	ErrorTimeout        ErrorKind = "timeout"
	ErrorQuery          ErrorKind = "query"
	ErrorClassification ErrorKind = "classification"
)

// Endpoint describes where the proxy listens. It is built once from
// configuration and never mutated afterwards.
type Endpoint struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	MaxConnections int
	SSLMode        string
}

// ConnString renders the endpoint as a libpq URL understood by pgx.
func (e Endpoint) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(e.User, e.Password),
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
		Path:   "/" + e.Database,
	}
	q := url.Values{}
	if e.SSLMode != "" {
		q.Set("sslmode", e.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// String is safe to log: the password is never included.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s/%s", e.User, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Database)
}

// Backend is one node of the configured topology.
type Backend struct {
	Address string `json:"address" yaml:"address"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Role    Role   `json:"role" yaml:"role"`
}

// BackendIdentity is what a probe learned about the server that answered it.
type BackendIdentity struct {
	Address    string `json:"address" yaml:"address"`
	Port       int    `json:"port,omitempty" yaml:"port,omitempty"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Role       Role   `json:"role" yaml:"role"`
	InRecovery bool   `json:"in_recovery" yaml:"in_recovery"`
	LSN        LSN    `json:"lsn,omitempty" yaml:"lsn,omitempty"`
}

type Probe struct {
	Name         string
	Kind         Kind
	ExpectedRole Role
	Statements   []string
	Args         []any

	// StatementArgs binds arguments per statement of a transactional probe,
	// one entry per statement.
	StatementArgs [][]any
	// CaptureWAL asks a read probe for recovery state and replay position.
	CaptureWAL    bool
}

type ProbeResult struct {
	Probe        string          `json:"probe" yaml:"probe"`
	Kind         Kind            `json:"kind" yaml:"kind"`
	ExpectedRole Role            `json:"expected_role" yaml:"expected_role"`
	Observed     BackendIdentity `json:"observed" yaml:"observed"`
	Duration     time.Duration   `json:"-" yaml:"duration"`
	Rows         int64           `json:"rows" yaml:"rows"`
	Success      bool            `json:"success" yaml:"success"`
	Passed       bool            `json:"passed" yaml:"passed"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Error        string          `json:"error,omitempty" yaml:"error,omitempty"`
}

func (r ProbeResult) MarshalJSON() ([]byte, error) {
	type plain ProbeResult
	return json.Marshal(struct {
		plain
		DurationMS float64 `json:"duration_ms"`
	}{
		plain:      plain(r),
		DurationMS: float64(r.Duration.Microseconds()) / 1000,
	})
}

type Report struct {
	RunID          string        `json:"run_id" yaml:"run_id"`
	Endpoint       string        `json:"endpoint" yaml:"endpoint"`
	StartedAt      time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time     `json:"finished_at" yaml:"finished_at"`
	Results        []ProbeResult `json:"results" yaml:"results"`
	Passed         bool          `json:"passed" yaml:"passed"`
	Aborted        string        `json:"aborted,omitempty" yaml:"aborted,omitempty"`
	ReplayLagBytes uint64        `json:"replay_lag_bytes" yaml:"replay_lag_bytes"`
}

// Failed returns the results that did not pass, in run order.
func (r *Report) Failed() []ProbeResult {
	var out []ProbeResult
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}
