package adapter

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/kernel-shm/pkg/kernel"
	"github.com/srediag/kernel-shm/pkg/shm"
)

// MappingView is the JSON form of a shared mapping.
type MappingView struct {
	ID          uint64 `json:"id"`
	SrcPid      int    `json:"src_pid"`
	SrcVA       uint64 `json:"src_va"`
	DstPid      int    `json:"dst_pid"`
	DstVA       uint64 `json:"dst_va"`
	Pages       int    `json:"pages"`
	PrevDstSize uint64 `json:"prev_dst_size"`
}

func viewOf(ms []*shm.Mapping) []MappingView {
	out := make([]MappingView, 0, len(ms))
	for _, m := range ms {
		out = append(out, MappingView{
			ID:          m.ID,
			SrcPid:      m.SrcPid,
			SrcVA:       m.SrcVA,
			DstPid:      m.DstPid,
			DstVA:       m.DstVA,
			Pages:       m.Pages(),
			PrevDstSize: m.PrevDstSize,
		})
	}
	return out
}

// NewAdminRouter routes the admin surface of k:
//
//	GET /metrics           Prometheus metrics
//	GET /live, /ready      health checks
//	GET /debug/frames      frame table counts
//	GET /debug/procs       process table
//	GET /debug/shm         every shared mapping
//	GET /debug/shm/:pid    mappings pid takes part in
func NewAdminRouter(k *kernel.Kernel) *httprouter.Router {
	r := httprouter.New()
	health := NewHealth(k)

	r.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(k.Registry(), promhttp.HandlerOpts{}))
	r.Handler(http.MethodGet, "/live", health)
	r.Handler(http.MethodGet, "/ready", health)

	r.GET("/debug/frames", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, k.Frames().Stats())
	})
	r.GET("/debug/procs", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, k.Procs().Snapshot())
	})
	r.GET("/debug/shm", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, viewOf(k.Shm().Registry().All()))
	})
	r.GET("/debug/shm/:pid", func(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
		pid, err := strconv.Atoi(ps.ByName("pid"))
		if err != nil || pid <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad pid"})
			return
		}
		writeJSON(w, http.StatusOK, viewOf(k.Shm().Registry().AllMappingsOf(pid)))
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("admin: encode response: %v", err)
	}
}
