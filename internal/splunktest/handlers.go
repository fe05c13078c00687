package splunktest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

func (i *Instance) routes() http.Handler {
	mux := http.NewServeMux()

	// Ingestion
	mux.HandleFunc("POST /services/collector/raw", i.handleRaw)
	mux.HandleFunc("POST /services/collector/ack", i.handleAck)

	// Management
	mux.HandleFunc("GET /services/messages/restart_required", i.auth(i.handleRestartRequired))
	mux.HandleFunc("POST /services/authorization/roles/{role}", i.auth(i.handleRole))
	mux.HandleFunc("POST /services/properties/authorize/{stanza}/{key}", i.auth(i.handleAuthorize))
	mux.HandleFunc("GET /servicesNS/nobody/{app}/configs/{conf}", i.auth(i.handleConf))
	mux.HandleFunc("POST /servicesNS/nobody/{app}/properties/{conf}", i.auth(i.handleCreateStanza))
	mux.HandleFunc("POST /servicesNS/nobody/{app}/properties/{conf}/{stanza}", i.auth(i.handleWriteStanza))
	mux.HandleFunc("GET /servicesNS/nobody/splunk_httpinput/data/inputs/http", i.auth(i.handleListInputs))
	mux.HandleFunc("POST /servicesNS/nobody/splunk_httpinput/data/inputs/http", i.auth(i.handleCreateInput))
	mux.HandleFunc("POST /servicesNS/nobody/splunk_httpinput/data/inputs/http/{name}", i.auth(i.handleUpdateInput))

	// Search
	mux.HandleFunc("POST /services/search/jobs", i.auth(i.handleCreateJob))
	mux.HandleFunc("GET /services/search/jobs/{sid}", i.auth(i.handleJob))
	mux.HandleFunc("GET /services/search/jobs/{sid}/results", i.auth(i.handleResults))

	return mux
}

func (i *Instance) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != Username || pass != Password {
			writeMessages(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessages(w http.ResponseWriter, status int, text string) {
	writeJSON(w, status, map[string]any{
		"messages": []map[string]string{{"type": "ERROR", "text": text}},
	})
}

func hecError(w http.ResponseWriter, status, code int, text string) {
	writeJSON(w, status, map[string]any{"text": text, "code": code})
}

// hecAuth checks the collector token and channel header and returns the
// channel.
func (i *Instance) hecAuth(w http.ResponseWriter, r *http.Request) (string, hecInput, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Splunk ")
	in, found := i.inputByToken(token)
	if !ok || !found {
		hecError(w, http.StatusForbidden, 4, "Invalid token")
		return "", hecInput{}, false
	}
	channel := r.Header.Get("X-Splunk-Request-Channel")
	if channel == "" {
		hecError(w, http.StatusBadRequest, 10, "Data channel is missing")
		return "", hecInput{}, false
	}
	return channel, in, true
}

func (i *Instance) inputByToken(token string) (hecInput, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, in := range i.hecInputs {
		if in.token == token {
			return in, true
		}
	}
	return hecInput{}, false
}

// allows reports whether the input may write to index. An input without an
// index list accepts every index.
func (in hecInput) allows(index string) bool {
	if in.indexes == "" || index == "" || index == in.index {
		return true
	}
	for _, idx := range strings.Split(in.indexes, ",") {
		if strings.TrimSpace(idx) == index {
			return true
		}
	}
	return false
}

func (i *Instance) handleRaw(w http.ResponseWriter, r *http.Request) {
	channel, input, ok := i.hecAuth(w, r)
	if !ok {
		return
	}
	if !input.allows(r.URL.Query().Get("index")) {
		hecError(w, http.StatusBadRequest, 7, "Incorrect index")
		return
	}

	i.mu.Lock()
	status := i.ingestStatus
	i.mu.Unlock()
	if status != 0 {
		hecError(w, status, 8, "Internal server error")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		hecError(w, http.StatusBadRequest, 6, "Invalid data format")
		return
	}

	q := r.URL.Query()
	events := parseEvents(string(body), Event{
		Index:      q.Get("index"),
		Host:       q.Get("host"),
		Source:     q.Get("source"),
		Sourcetype: q.Get("sourcetype"),
	})
	if len(events) == 0 {
		hecError(w, http.StatusBadRequest, 5, "No data")
		return
	}
	i.AddEvents(events...)

	writeJSON(w, http.StatusOK, map[string]any{"text": "Success", "code": 0, "ackId": i.acks.create(channel)})
}

func (i *Instance) handleAck(w http.ResponseWriter, r *http.Request) {
	channel, _, ok := i.hecAuth(w, r)
	if !ok {
		return
	}
	var req struct {
		Acks []int64 `json:"acks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		hecError(w, http.StatusBadRequest, 6, "Invalid data format")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acks": i.acks.query(channel, req.Acks)})
}

func (i *Instance) handleRestartRequired(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	pending := i.restartPending > 0
	if pending {
		i.restartPending--
	}
	i.mu.Unlock()

	if !pending {
		writeMessages(w, http.StatusNotFound, "restart_required does not exist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": []map[string]any{{"name": "restart_required"}}})
}

func (i *Instance) handleRole(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeMessages(w, http.StatusBadRequest, err.Error())
		return
	}
	i.mu.Lock()
	i.roles[r.PathValue("role")] = r.PostForm["imported_roles"]
	i.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"entry": []map[string]any{{"name": r.PathValue("role")}}})
}

func (i *Instance) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeMessages(w, http.StatusBadRequest, err.Error())
		return
	}
	role, ok := strings.CutPrefix(r.PathValue("stanza"), "role_")
	if !ok || r.PathValue("key") != "deleteIndexesAllowed" {
		writeMessages(w, http.StatusBadRequest, "unsupported property")
		return
	}
	i.mu.Lock()
	i.deleteAllowed[role] = r.PostFormValue("value")
	i.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (i *Instance) handleConf(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	missing := i.confMissing > 0
	if missing {
		i.confMissing--
	}
	i.mu.Unlock()

	if missing || !strings.HasPrefix(r.PathValue("conf"), "conf-") {
		writeMessages(w, http.StatusNotFound, "Could not find object")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": []map[string]any{}})
}

func (i *Instance) handleCreateStanza(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeMessages(w, http.StatusBadRequest, err.Error())
		return
	}
	stanza := r.PostFormValue("__stanza")
	if stanza == "" {
		writeMessages(w, http.StatusBadRequest, "__stanza is required")
		return
	}
	key := r.PathValue("app") + "/" + r.PathValue("conf") + "/" + stanza

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.confProps[key]; ok {
		writeMessages(w, http.StatusConflict, "stanza already exists")
		return
	}
	i.confProps[key] = make(map[string]string)
	w.WriteHeader(http.StatusCreated)
}

func (i *Instance) handleWriteStanza(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeMessages(w, http.StatusBadRequest, err.Error())
		return
	}
	key := r.PathValue("app") + "/" + r.PathValue("conf") + "/" + r.PathValue("stanza")

	i.mu.Lock()
	defer i.mu.Unlock()
	props, ok := i.confProps[key]
	if !ok {
		writeMessages(w, http.StatusNotFound, "stanza does not exist")
		return
	}
	for k := range r.PostForm {
		props[k] = r.PostFormValue(k)
	}
	w.WriteHeader(http.StatusOK)
}

func (i *Instance) inputEntries() []map[string]any {
	entries := make([]map[string]any, 0, len(i.hecInputs))
	for name, in := range i.hecInputs {
		entries = append(entries, map[string]any{
			"name": "http://" + name,
			"content": map[string]any{
				"token":   in.token,
				"index":   in.index,
				"indexes": in.indexes,
				"useACK":  in.useACK,
			},
		})
	}
	return entries
}

func (i *Instance) handleListInputs(w http.ResponseWriter, r *http.Request) {
	i.mu.Lock()
	entries := i.inputEntries()
	i.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"entry": entries})
}

func (i *Instance) handleCreateInput(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeMessages(w, http.StatusBadRequest, err.Error())
		return
	}
	name := r.PostFormValue("name")
	if name == "" {
		writeMessages(w, http.StatusBadRequest, "name is required")
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.hecInputs[name]; ok {
		writeMessages(w, http.StatusConflict, fmt.Sprintf("input %s already exists", name))
		return
	}
	in := hecInput{
		token:   newToken(),
		index:   r.PostFormValue("index"),
		indexes: r.PostFormValue("indexes"),
		useACK:  r.PostFormValue("useACK") == "1" || r.PostFormValue("useACK") == "true",
	}
	i.hecInputs[name] = in
	writeJSON(w, http.StatusCreated, map[string]any{"entry": []map[string]any{{
		"name":    "http://" + name,
		"content": map[string]any{"token": in.token, "useACK": in.useACK},
	}}})
}

func (i *Instance) handleUpdateInput(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeMessages(w, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimPrefix(r.PathValue("name"), "http://")

	i.mu.Lock()
	defer i.mu.Unlock()
	in, ok := i.hecInputs[name]
	if !ok {
		writeMessages(w, http.StatusNotFound, fmt.Sprintf("input %s does not exist", name))
		return
	}
	if r.PostForm.Has("indexes") {
		in.indexes = r.PostFormValue("indexes")
	}
	if r.PostForm.Has("index") {
		in.index = r.PostFormValue("index")
	}
	if r.PostForm.Has("useACK") {
		in.useACK = r.PostFormValue("useACK") == "1" || r.PostFormValue("useACK") == "true"
	}
	i.hecInputs[name] = in
	i.inputUpdates++
	writeJSON(w, http.StatusOK, map[string]any{"entry": []map[string]any{{
		"name":    "http://" + name,
		"content": map[string]any{"token": in.token, "useACK": in.useACK},
	}}})
}

func (i *Instance) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeMessages(w, http.StatusBadRequest, err.Error())
		return
	}
	search := r.PostFormValue("search")
	if strings.TrimSpace(search) == "" {
		writeMessages(w, http.StatusBadRequest, "Empty search.")
		return
	}

	i.mu.Lock()
	j := i.evaluate(search)
	sid := fmt.Sprintf("dettest__admin__search__%d", len(i.jobs)+1)
	i.jobs[sid] = j
	i.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"sid": sid})
}

func (i *Instance) lookupJob(w http.ResponseWriter, r *http.Request) (string, *job, bool) {
	sid := r.PathValue("sid")
	i.mu.Lock()
	j, ok := i.jobs[sid]
	i.mu.Unlock()
	if !ok {
		writeMessages(w, http.StatusNotFound, "Unknown sid.")
	}
	return sid, j, ok
}

func (i *Instance) handleJob(w http.ResponseWriter, r *http.Request) {
	sid, j, ok := i.lookupJob(w, r)
	if !ok {
		return
	}

	content := map[string]any{
		"sid":           sid,
		"search":        j.search,
		"resultCount":   len(j.resp.Rows),
		"eventCount":    strconv.Itoa(len(j.resp.Rows)),
		"runDuration":   0.042,
		"dispatchState": "DONE",
		"isFailed":      j.resp.Failed,
		"isDone":        true,
		"ttl":           600,
	}
	if j.resp.Failed {
		content["dispatchState"] = "FAILED"
	}
	if j.resp.Message != "" {
		content["messages"] = []map[string]string{{"type": "FATAL", "text": j.resp.Message}}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": []map[string]any{{"name": j.search, "content": content}}})
}

func (i *Instance) handleResults(w http.ResponseWriter, r *http.Request) {
	_, j, ok := i.lookupJob(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	count, _ := strconv.Atoi(q.Get("count"))
	fields := q["field_list"]

	rows := j.resp.Rows
	if offset > len(rows) {
		offset = len(rows)
	}
	rows = rows[offset:]
	if count > 0 && count < len(rows) {
		rows = rows[:count]
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if len(fields) == 0 {
			out = append(out, row)
			continue
		}
		projected := make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := row[f]; ok {
				projected[f] = v
			}
		}
		out = append(out, projected)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}
