package api

import (
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/package-audit/pkgaudit/internal/adapter"
	"github.com/package-audit/pkgaudit/internal/app"
	"github.com/package-audit/pkgaudit/internal/doctor"
	"github.com/package-audit/pkgaudit/internal/snapshot"
	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/model"
)

// Routes, all under /api:
//
//	GET    /managers
//	GET    /managers/:id/packages
//	DELETE /managers/:id/packages/*name   ?force=bool
//	POST   /managers/:id/batch-uninstall
//	GET    /managers/:id/manifest
//	GET    /managers/:id/dependency-tree  ?package=
//	GET    /managers/:id/vulnerabilities
//	GET    /managers/:id/lockfile
//	GET    /snapshots                     ?manager=&reason=&package=&since=&until=
//	POST   /snapshots
//	GET    /snapshots/:id
//	DELETE /snapshots/:id
//	GET    /snapshots/:id/diff
//	GET    /lock
//	GET    /doctor                        ?strict=bool
//	GET    /streaming/:id/packages/<name>/uninstall  ?force=bool  (text/event-stream)
func (s *Server) registerRoutes(rg *gin.RouterGroup) {
	rg.GET("/managers", s.listManagers)
	rg.GET("/managers/:id/packages", s.listPackages)
	rg.DELETE("/managers/:id/packages/*name", s.uninstall)
	rg.POST("/managers/:id/batch-uninstall", s.batchUninstall)
	rg.GET("/managers/:id/manifest", s.manifest)
	rg.GET("/managers/:id/dependency-tree", s.dependencyTree)
	rg.GET("/managers/:id/vulnerabilities", s.vulnerabilities)
	rg.GET("/managers/:id/lockfile", s.lockfile)

	rg.GET("/snapshots", s.listSnapshots)
	rg.POST("/snapshots", s.createSnapshot)
	rg.GET("/snapshots/:id", s.getSnapshot)
	rg.DELETE("/snapshots/:id", s.deleteSnapshot)
	rg.GET("/snapshots/:id/diff", s.diffSnapshot)

	rg.GET("/lock", s.lockStatus)
	rg.GET("/doctor", s.runDoctor)

	rg.GET("/streaming/:id/packages/*path", s.streamUninstall)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alive": true})
}

// DetailedHealth is the body of /health/detailed. The home directory's path
// is deliberately absent.
type DetailedHealth struct {
	Status           string          `json:"status"`
	Timestamp        time.Time       `json:"timestamp"`
	GoVersion        string          `json:"go_version"`
	Platform         string          `json:"platform"`
	UptimeSeconds    float64         `json:"uptime_seconds"`
	PackageManagers  map[string]bool `json:"package_managers"`
	StorageAvailable bool            `json:"storage_available"`
}

func (s *Server) detailedHealth(c *gin.Context) {
	managers := make(map[string]bool)
	for _, a := range s.rt.Registry.All() {
		managers[a.ID()] = a.Detect()
	}
	info, err := os.Stat(s.rt.Home)
	storageOK := err == nil && info.IsDir()
	if !storageOK {
		s.log.Warn("detailed health: home directory unavailable")
	}
	c.JSON(http.StatusOK, DetailedHealth{
		Status:           "ok",
		Timestamp:        time.Now().UTC(),
		GoVersion:        runtime.Version(),
		Platform:         runtime.GOOS + "/" + runtime.GOARCH,
		UptimeSeconds:    time.Since(s.started).Seconds(),
		PackageManagers:  managers,
		StorageAvailable: storageOK,
	})
}

// ready reports whether the home directory's state can be read.
func (s *Server) ready(c *gin.Context) {
	if _, _, err := s.rt.Lock.Status(); err != nil {
		s.log.ErrorErr("readiness: lock", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "lock unreadable"})
		return
	}
	if _, err := s.rt.Snapshots.IDs(); err != nil {
		s.log.ErrorErr("readiness: snapshots", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "snapshots unreadable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) listManagers(c *gin.Context) {
	infos, err := s.rt.Managers(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"managers": infos})
}

func (s *Server) listPackages(c *gin.Context) {
	pkgs, err := s.rt.ListPackages(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"manager": c.Param("id"), "packages": pkgs})
}

func (s *Server) uninstall(c *gin.Context) {
	force, err := boolQuery(c, "force")
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	name := strings.TrimPrefix(c.Param("name"), "/")
	report, err := s.rt.Uninstall(c.Request.Context(), c.Param("id"), name, app.UninstallOptions{Force: force})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type batchRequest struct {
	Packages []string `json:"packages"`
	Force    bool     `json:"force"`
}

func (s *Server) batchUninstall(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWithError(c, errclass.ErrNameInvalid.WithMessage("request body must be {\"packages\": [...], \"force\": bool}"))
		return
	}
	report, err := s.rt.BatchUninstall(c.Request.Context(), c.Param("id"), req.Packages, app.BatchOptions{Force: req.Force})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) manifest(c *gin.Context) {
	a, err := s.rt.Adapter(c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	m, err := a.ExportManifest(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) dependencyTree(c *gin.Context) {
	s.capability(c, func(a adapter.Adapter) (*model.CapabilityResult, error) {
		return adapter.DependencyTree(c.Request.Context(), a, c.Query("package"))
	})
}

func (s *Server) vulnerabilities(c *gin.Context) {
	s.capability(c, func(a adapter.Adapter) (*model.CapabilityResult, error) {
		return adapter.ScanVulnerabilities(c.Request.Context(), a)
	})
}

func (s *Server) lockfile(c *gin.Context) {
	s.capability(c, func(a adapter.Adapter) (*model.CapabilityResult, error) {
		return adapter.ExportLockfile(c.Request.Context(), a)
	})
}

// capability answers 200 either way; Supported=false tells the client the
// backend lacks the feature.
func (s *Server) capability(c *gin.Context, fn func(adapter.Adapter) (*model.CapabilityResult, error)) {
	a, err := s.rt.Adapter(c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	res, err := fn(a)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listSnapshots(c *gin.Context) {
	opts, err := filterFromQuery(c)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	records, err := s.rt.Snapshots.Find(opts)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	summaries := make([]*model.SnapshotSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, rec.Summary())
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": summaries})
}

type createSnapshotRequest struct {
	Managers []string `json:"managers"`
	Reason   string   `json:"reason"`
}

func (s *Server) createSnapshot(c *gin.Context) {
	var req createSnapshotRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.abortWithError(c, errclass.ErrNameInvalid.WithMessage("request body must be {\"managers\": [...], \"reason\": string}"))
			return
		}
	}
	summary, err := s.rt.CreateSnapshot(c.Request.Context(), req.Managers, req.Reason)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, summary)
}

func (s *Server) getSnapshot(c *gin.Context) {
	rec, err := s.rt.Snapshots.Resolve(c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) deleteSnapshot(c *gin.Context) {
	id := model.SnapshotID(c.Param("id"))
	if err := s.rt.DeleteSnapshot(c.Request.Context(), id); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) diffSnapshot(c *gin.Context) {
	diff, err := s.rt.DiffSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

// LockResponse is the body of GET /api/lock.
type LockResponse struct {
	State  model.LockState   `json:"state"`
	Record *model.LockRecord `json:"record,omitempty"`
}

func (s *Server) lockStatus(c *gin.Context) {
	state, rec, err := s.rt.LockStatus()
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, LockResponse{State: state, Record: rec})
}

func (s *Server) runDoctor(c *gin.Context) {
	strict, err := boolQuery(c, "strict")
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	result, err := doctor.NewDoctor(s.rt).Check(strict)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func boolQuery(c *gin.Context, key string) (bool, error) {
	raw := c.Query(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errclass.ErrNameInvalid.WithMessagef("%s must be a boolean", key)
	}
	return v, nil
}

func filterFromQuery(c *gin.Context) (snapshot.FilterOptions, error) {
	opts := snapshot.FilterOptions{
		Manager: c.Query("manager"),
		Reason:  c.Query("reason"),
		Package: c.Query("package"),
	}
	for key, dst := range map[string]*time.Time{"since": &opts.Since, "until": &opts.Until} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return opts, errclass.ErrNameInvalid.WithMessagef("%s must be an RFC 3339 timestamp", key)
		}
		*dst = t
	}
	return opts, nil
}
