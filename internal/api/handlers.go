package api

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"inferops/internal/apperr"
	"inferops/internal/batch"
	"inferops/internal/registry"
)

type nodeStatusView struct {
	NodeID              int               `json:"node_id"`
	Name                string            `json:"name"`
	Online              bool              `json:"online"`
	Busy                bool              `json:"busy"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Metrics             *registry.Metrics `json:"metrics,omitempty"`
}

func (s *server) statusAll(c *gin.Context) {
	snap := s.deps.Registry.Snapshot()
	out := make([]nodeStatusView, 0, len(snap))
	for _, n := range snap {
		out = append(out, nodeStatusView{
			NodeID:              n.ID,
			Name:                n.Name,
			Online:              n.Online,
			Busy:                n.Busy,
			ConsecutiveFailures: n.ConsecutiveFailures,
			Metrics:             n.Metrics,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *server) alertsAll(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.EvalAlerts())
}

func (s *server) models(c *gin.Context) {
	set := map[string]struct{}{}
	for _, n := range s.deps.Registry.Snapshot() {
		if n.Metrics == nil {
			continue
		}
		for m := range n.Metrics.Models {
			set[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	c.JSON(http.StatusOK, out)
}

// datasetUpload accepts a JSON array file plus an optional data_count cap,
// and hands the parsed rows to the batch engine. Each array element is
// dispatched as-is, with no model constraint.
func (s *server) datasetUpload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.Error(apperr.Wrap(apperr.BadDataset, "missing multipart file field", err))
		return
	}
	defer file.Close()

	items, err := parseDataset(file, c.PostForm("data_count"))
	if err != nil {
		c.Error(err)
		return
	}

	job, err := s.deps.Batch.Submit(items)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":   job.ID,
		"status":   job.Status,
		"total":    job.TotalItems,
		"filename": header.Filename,
	})
}

func parseDataset(f multipart.File, dataCountParam string) ([]batch.Item, error) {
	limit := -1
	if dataCountParam != "" {
		n, err := strconv.Atoi(dataCountParam)
		if err != nil || n <= 0 {
			return nil, apperr.New(apperr.BadDataset, "data_count must be a positive integer")
		}
		limit = n
	}

	body, err := io.ReadAll(f)
	if err != nil {
		return nil, apperr.Wrap(apperr.BadDataset, "reading dataset file", err)
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, apperr.Wrap(apperr.BadDataset, "dataset must be a JSON array", err)
	}
	if len(rows) == 0 {
		return nil, apperr.New(apperr.BadDataset, "dataset has no rows")
	}

	if limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}

	items := make([]batch.Item, len(rows))
	for i, r := range rows {
		items[i] = batch.Item(r)
	}
	return items, nil
}

func (s *server) datasetStatus(c *gin.Context) {
	id := c.Param("job_id")
	job, ok := s.deps.Batch.Get(id)
	if !ok {
		c.Error(apperr.New(apperr.JobNotFound, "job not found: "+id))
		return
	}
	c.JSON(http.StatusOK, job)
}

// adminUnlock force-clears every node's exclusivity lock unconditionally,
// for operators recovering from a lock stranded by a crashed dispatch, and
// reports which nodes were actually held.
func (s *server) adminUnlock(c *gin.Context) {
	var affected []int
	for _, n := range s.deps.Registry.Snapshot() {
		if n.Busy {
			affected = append(affected, n.ID)
		}
		s.deps.Registry.Release(n.ID)
	}
	if affected == nil {
		affected = []int{}
	}
	c.JSON(http.StatusOK, gin.H{"unlocked_nodes": affected})
}
