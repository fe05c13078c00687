// Package splunktest runs an in-process fake analytics instance for tests.
// It serves the ingestion endpoint with acknowledgement channels, the
// management calls a worker makes during configuration and blocking search
// jobs over the ingested events. It does not understand the search language:
// searches are answered by a Responder or, by default, by filtering events on
// index, host, source and sourcetype terms.
package splunktest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/telhawk-systems/dettest/internal/models"
)

const (
	Username = "admin"
	Password = "Chang3d!"
)

// Event is one ingested event.
type Event struct {
	Index      string
	Host       string
	Source     string
	Sourcetype string
	Raw        string
	Fields     map[string]string
}

// Response answers one search.
type Response struct {
	Rows    []map[string]any
	Failed  bool
	Message string
}

// Responder answers a search. Returning false falls back to the default
// event filter.
type Responder func(search string) (Response, bool)

type job struct {
	search string
	resp   Response
}

// Instance is a fake analytics instance backed by an httptest.Server. Both
// the ingestion and the management API are served on the same address.
type Instance struct {
	Server *httptest.Server

	acks *ackManager

	mu                sync.Mutex
	events            []Event
	jobs              map[string]*job
	searches          []string
	responder         Responder
	restartPending    int
	confMissing       int
	ingestStatus      int
	roles             map[string][]string
	deleteAllowed     map[string]string
	confProps         map[string]map[string]string
	hecInputs         map[string]hecInput
	inputUpdates      int
	deleteIneffective bool
}

type hecInput struct {
	token   string
	index   string
	indexes string
	useACK  bool
}

// New starts a fake instance. Callers must Close it.
func New() *Instance {
	inst := &Instance{
		acks:          newAckManager(),
		jobs:          make(map[string]*job),
		roles:         make(map[string][]string),
		deleteAllowed: make(map[string]string),
		confProps:     make(map[string]map[string]string),
		hecInputs:     make(map[string]hecInput),
	}
	inst.Server = httptest.NewServer(inst.routes())
	return inst
}

// Close shuts the server down.
func (i *Instance) Close() { i.Server.Close() }

// Spec returns an InstanceSpec pointing every port at the fake.
func (i *Instance) Spec(name string) models.InstanceSpec {
	u, _ := url.Parse(i.Server.URL)
	port, _ := strconv.Atoi(u.Port())
	return models.InstanceSpec{
		Name:     name,
		Address:  u.Hostname(),
		WebPort:  port,
		HECPort:  port,
		MgmtPort: port,
		Username: Username,
		Password: Password,
		Scheme:   "http",
	}
}

// SetResponder installs a custom search responder.
func (i *Instance) SetResponder(r Responder) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.responder = r
}

// SetAckDelay makes every new acknowledgement report false for polls polls.
func (i *Instance) SetAckDelay(polls int) { i.acks.setDelay(polls) }

// SetRestartRequired makes the next n readiness checks report a pending restart.
func (i *Instance) SetRestartRequired(n int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.restartPending = n
}

// SetConfMissing makes the next n configuration file lookups answer 404.
func (i *Instance) SetConfMissing(n int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.confMissing = n
}

// SetIngestStatus makes every upload fail with status. Zero restores uploads.
func (i *Instance) SetIngestStatus(status int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ingestStatus = status
}

// SetDeleteIneffective makes delete searches leave events in place.
func (i *Instance) SetDeleteIneffective(v bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deleteIneffective = v
}

// AddEvents indexes events directly, bypassing the ingestion endpoint.
func (i *Instance) AddEvents(events ...Event) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.events = append(i.events, events...)
}

// Events returns a copy of the indexed events.
func (i *Instance) Events() []Event {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Event(nil), i.events...)
}

// EventCount counts events in index for host.
func (i *Instance) EventCount(index, host string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, e := range i.events {
		if e.Index == index && e.Host == host {
			n++
		}
	}
	return n
}

// Searches returns every submitted search in order.
func (i *Instance) Searches() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.searches...)
}

// ImportedRoles returns the roles imported by role.
func (i *Instance) ImportedRoles(role string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.roles[role]...)
}

// DeleteIndexesAllowed returns the delete patterns written for role.
func (i *Instance) DeleteIndexesAllowed(role string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.deleteAllowed[role]
}

// ConfProperties returns the properties written to app/conf/stanza.
func (i *Instance) ConfProperties(app, conf, stanza string) map[string]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]string)
	for k, v := range i.confProps[app+"/"+conf+"/"+stanza] {
		out[k] = v
	}
	return out
}

// HECToken returns the token of a collector input, or "" if none exists.
func (i *Instance) HECToken(name string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.hecInputs[name].token
}

var (
	kvPattern     = regexp.MustCompile(`(\w+)=("([^"]*)"|[^\s,;|]+)`)
	filterPattern = regexp.MustCompile(`\b(index|host|source|sourcetype)=("([^"]*)"|[^\s|]+)`)
)

// parseEvents splits a raw upload into one event per non-empty line. JSON
// lines contribute their top-level keys as fields, other lines their key=value
// pairs.
func parseEvents(body string, meta Event) []Event {
	var out []Event
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		e := meta
		e.Raw = line
		e.Fields = make(map[string]string)

		var obj map[string]any
		if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &obj) == nil {
			for k, v := range obj {
				e.Fields[k] = fmt.Sprint(v)
			}
		} else {
			for _, m := range kvPattern.FindAllStringSubmatch(line, -1) {
				val := m[2]
				if m[3] != "" || strings.HasPrefix(val, `"`) {
					val = m[3]
				}
				e.Fields[m[1]] = val
			}
		}
		out = append(out, e)
	}
	return out
}

func (e Event) matches(filters map[string]string) bool {
	for k, v := range filters {
		var have string
		switch k {
		case "index":
			have = e.Index
		case "host":
			have = e.Host
		case "source":
			have = e.Source
		case "sourcetype":
			have = e.Sourcetype
		}
		if !strings.EqualFold(have, v) {
			return false
		}
	}
	return true
}

func (e Event) row() map[string]any {
	row := map[string]any{
		"index":      e.Index,
		"host":       e.Host,
		"source":     e.Source,
		"sourcetype": e.Sourcetype,
		"_raw":       e.Raw,
	}
	for k, v := range e.Fields {
		row[k] = v
	}
	return row
}

func searchFilters(search string) map[string]string {
	filters := make(map[string]string)
	for _, m := range filterPattern.FindAllStringSubmatch(search, -1) {
		val := m[2]
		if strings.HasPrefix(val, `"`) {
			val = m[3]
		}
		filters[m[1]] = val
	}
	return filters
}

// evaluate answers search and records the job. Callers hold i.mu.
func (i *Instance) evaluate(search string) *job {
	i.searches = append(i.searches, search)

	if i.responder != nil {
		if resp, ok := i.responder(search); ok {
			return &job{search: search, resp: resp}
		}
	}

	filters := searchFilters(search)
	trimmed := strings.TrimSpace(search)

	switch {
	case strings.HasPrefix(trimmed, "| tstats count"):
		n := 0
		for _, e := range i.events {
			if e.matches(filters) {
				n++
			}
		}
		return &job{search: search, resp: Response{Rows: []map[string]any{{"count": strconv.Itoa(n)}}}}

	case strings.HasSuffix(trimmed, "| delete"):
		if i.deleteIneffective {
			return &job{search: search}
		}
		kept := i.events[:0]
		for _, e := range i.events {
			if !e.matches(filters) {
				kept = append(kept, e)
			}
		}
		i.events = kept
		return &job{search: search}
	}

	var rows []map[string]any
	for _, e := range i.events {
		if e.matches(filters) {
			rows = append(rows, e.row())
		}
	}
	return &job{search: search, resp: Response{Rows: rows}}
}

func newToken() string { return uuid.NewString() }

// AddHECInput registers a collector input as an earlier run may have left
// it and returns its token. indexes is comma separated.
func (i *Instance) AddHECInput(name, indexes string, useACK bool) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	in := hecInput{token: newToken(), index: models.DefaultAttackDataIndex, indexes: indexes, useACK: useACK}
	i.hecInputs[name] = in
	return in.token
}

// HECInputSettings returns the index list and acknowledgement setting of the
// named input.
func (i *Instance) HECInputSettings(name string) (indexes string, useACK bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	in := i.hecInputs[name]
	return in.indexes, in.useACK
}

// HECInputUpdates counts updates of existing collector inputs.
func (i *Instance) HECInputUpdates() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.inputUpdates
}

// NewHECInput registers a collector input with acknowledgement enabled and
// returns its token.
func (i *Instance) NewHECInput(name string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	in := hecInput{token: newToken(), index: models.DefaultAttackDataIndex, useACK: true}
	i.hecInputs[name] = in
	return in.token
}
