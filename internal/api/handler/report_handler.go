package handler

import (
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/visualdiff-farm/internal/api/domain"
	jobdomain "github.com/cuongbtq/visualdiff-farm/internal/worker/domain"
)

const (
	reportDir   = "html_report"
	reportIndex = reportDir + "/index.html"
)

// servedDirs are the workspace folders exposed over HTTP; the engine config and
// anything else in the workspace stay private.
var servedDirs = []string{reportDir, "reference", "test"}

const reportErrorMessage = "There was an error while handling your request, please try again later."

// ServeReport handles GET /reports/:browser/:id/*file
// Serves files of a job workspace once its html report exists
func (h *ReportHandler) ServeReport(c *gin.Context) {
	browser := c.Param("browser")
	id := c.Param("id")

	if !domain.Supported(browser, h.supportedBrowsers) || !jobdomain.IDPattern.MatchString(id) {
		c.String(http.StatusBadRequest, reportErrorMessage)
		return
	}

	workspace := filepath.Join(h.runtimeRoot, browser, id)
	if _, err := os.Stat(filepath.Join(workspace, filepath.FromSlash(reportIndex))); err != nil {
		h.logger.Debug("Report requested before it exists",
			slog.Any("error", domain.ErrReportNotFound),
			slog.String("browser", browser),
			slog.String("job_id", id),
		)
		c.String(http.StatusBadRequest, reportErrorMessage)
		return
	}

	file := path.Clean("/" + c.Param("file"))
	if file == "/" {
		c.Redirect(http.StatusFound, strings.TrimSuffix(c.Request.URL.Path, "/")+"/"+reportDir+"/")
		return
	}

	if !servable(file) {
		c.String(http.StatusNotFound, reportErrorMessage)
		return
	}

	c.File(filepath.Join(workspace, filepath.FromSlash(file)))
}

// servable reports whether a cleaned, slash-rooted path lies inside a served folder
func servable(file string) bool {
	rel := strings.TrimPrefix(file, "/")
	for _, dir := range servedDirs {
		if rel == dir || strings.HasPrefix(rel, dir+"/") {
			return true
		}
	}
	return false
}
