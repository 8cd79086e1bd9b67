// Package handler provides the HTTP handlers for the schemadb server.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/stevemurr/schemadb/db"
	"github.com/stevemurr/schemadb/integrity"
	"github.com/stevemurr/schemadb/schema"
	"github.com/stevemurr/schemadb/store"
)

// Handler holds the server dependencies and registers routes.
type Handler struct {
	db  *db.DB
	mux *http.ServeMux
}

// New creates a Handler and wires up all routes.
func New(d *db.DB) *Handler {
	h := &Handler{db: d, mux: http.NewServeMux()}
	h.routes()
	return h
}

// ServeHTTP makes Handler an http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	// Health / status
	h.mux.HandleFunc("GET /", h.root)
	h.mux.HandleFunc("GET /health", h.health)

	// --- Database lifecycle ---
	h.mux.HandleFunc("POST /database/open", h.openDatabase)
	h.mux.HandleFunc("POST /database/close", h.closeDatabase)
	h.mux.HandleFunc("DELETE /database", h.deleteDatabase)

	// --- Collection endpoints ---
	h.mux.HandleFunc("GET /collections", h.listCollections)
	h.mux.HandleFunc("GET /collections/{collection}/items", h.getAllItems)
	h.mux.HandleFunc("POST /collections/{collection}/items", h.addItem)
	h.mux.HandleFunc("GET /collections/{collection}/items/{key}", h.getItem)
	h.mux.HandleFunc("PUT /collections/{collection}/items/{key}", h.putItem)
	h.mux.HandleFunc("DELETE /collections/{collection}/items/{key}", h.deleteItem)
	h.mux.HandleFunc("GET /collections/{collection}/items/{key}/verify", h.verifyItem)
	h.mux.HandleFunc("GET /collections/{collection}/count", h.count)
	h.mux.HandleFunc("GET /collections/{collection}/indexes/{index}", h.getByIndex)
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// writeDBError maps the kind of a db error to a status code.
func writeDBError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrUnknownCollection), errors.Is(err, db.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, db.ErrInvalidRecord):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, db.ErrConstraint), errors.Is(err, db.ErrIntegrity):
		status = http.StatusConflict
	case errors.Is(err, db.ErrNotOpen):
		status = http.StatusServiceUnavailable
	case errors.Is(err, db.ErrInvalidArgument):
		status = http.StatusBadRequest
	}
	body := map[string]string{"detail": err.Error()}
	if kind := db.KindOf(err); kind != nil {
		body["kind"] = kind.Error()
	}
	writeJSON(w, status, body)
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func pathKey(w http.ResponseWriter, r *http.Request) (db.Key, bool) {
	key, err := store.ParseKey(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key: "+err.Error())
		return nil, false
	}
	return key, true
}

// hashOption reads ?hash=<algorithm>. An empty value means no stamping.
func hashOption(r *http.Request) []db.WriteOption {
	if alg := r.URL.Query().Get("hash"); alg != "" {
		return []db.WriteOption{db.WithHash(integrity.Algorithm(alg))}
	}
	return nil
}

// ---------- status endpoints ----------

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	// Only match exact root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  "schemadb",
		"database": h.db.Name(),
		"version":  h.db.Schema().Version,
		"state":    h.db.State().String(),
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.db.State() != db.Open {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "closed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ---------- database lifecycle ----------

func (h *Handler) openDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Open(r.Context()); err != nil {
		writeDBError(w, err)
		return
	}
	resp := map[string]any{"status": "open"}
	if report, ok := h.db.Migration(); ok {
		resp["migration"] = report
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) closeDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Close(); err != nil {
		writeDBError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (h *Handler) deleteDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.db.DeleteDatabase(r.Context()); err != nil {
		writeDBError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "database": h.db.Name()})
}

// ---------- collection list ----------

func (h *Handler) listCollections(w http.ResponseWriter, r *http.Request) {
	cols := h.db.Schema().Collections
	if cols == nil {
		cols = []schema.Collection{}
	}
	writeJSON(w, http.StatusOK, cols)
}

// ---------- items ----------

func (h *Handler) getAllItems(w http.ResponseWriter, r *http.Request) {
	recs, err := h.db.GetAll(r.Context(), r.PathValue("collection"))
	if err != nil {
		writeDBError(w, err)
		return
	}
	if recs == nil {
		recs = []db.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	var incoming db.Record
	if err := readJSON(r, &incoming); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	opts := hashOption(r)
	// Collections without a key path take the key from ?key=.
	if raw := r.URL.Query().Get("key"); raw != "" {
		key, err := store.ParseKey(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid key: "+err.Error())
			return
		}
		opts = append(opts, db.WithKey(key))
	}
	key, err := h.db.Add(r.Context(), r.PathValue("collection"), incoming, opts...)
	if err != nil {
		writeDBError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": key})
}

func (h *Handler) putItem(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var incoming db.Record
	if err := readJSON(r, &incoming); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if incoming == nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}

	opts := hashOption(r)
	decl, declared := h.db.Schema().Lookup(collection)
	switch {
	case !declared:
		// let the db report the unknown collection
	case decl.KeyPath.IsZero():
		opts = append(opts, db.WithKey(key))
	default:
		if err := matchKey(decl.KeyPath, incoming, key); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	stored, err := h.db.Put(r.Context(), collection, incoming, opts...)
	if err != nil {
		writeDBError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": stored})
}

// matchKey fills the key path of rec from the URL key, or checks that the
// record's own key agrees with it.
func matchKey(kp schema.KeyPath, rec db.Record, key db.Key) error {
	raw, ok := kp.Extract(rec)
	if !ok {
		return kp.Inject(rec, key)
	}
	own, err := store.NormalizeKey(raw)
	if err != nil {
		return fmt.Errorf("record key at %s: %w", kp, err)
	}
	if store.CompareKeys(own, key) != 0 {
		return fmt.Errorf("record key %v does not match URL key %v", own, key)
	}
	return nil
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	var opts []db.ReadOption
	q := r.URL.Query()
	if verify, _ := strconv.ParseBool(q.Get("verify")); verify {
		alg := integrity.Algorithm(q.Get("algorithm"))
		if alg == "" {
			alg = integrity.Default
		}
		opts = append(opts, db.WithVerify(alg))
	}
	rec, err := h.db.Get(r.Context(), r.PathValue("collection"), key, opts...)
	if err != nil {
		writeDBError(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	if err := h.db.Delete(r.Context(), r.PathValue("collection"), key); err != nil {
		writeDBError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "key": key})
}

func (h *Handler) verifyItem(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	alg := integrity.Algorithm(r.URL.Query().Get("algorithm"))
	if alg == "" {
		alg = integrity.Default
	}
	valid, err := h.db.ValidateWithHash(r.Context(), r.PathValue("collection"), key, alg)
	if err != nil {
		writeDBError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "algorithm": alg, "valid": valid})
}

func (h *Handler) count(w http.ResponseWriter, r *http.Request) {
	n, err := h.db.Count(r.Context(), r.PathValue("collection"))
	if err != nil {
		writeDBError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *Handler) getByIndex(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("value")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing value parameter")
		return
	}
	value, err := store.ParseKey(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid value: "+err.Error())
		return
	}
	recs, err := h.db.GetByIndex(r.Context(), r.PathValue("collection"), r.PathValue("index"), value)
	if err != nil {
		writeDBError(w, err)
		return
	}
	if recs == nil {
		recs = []db.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}
