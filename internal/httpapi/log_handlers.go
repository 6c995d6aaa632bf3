package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jkaninda/okapi"

	"github.com/mechamarmot/SillyTavern-PyRunner-sub000/internal/auditlog"
)

// LogFilesResponse is the JSON response for GET /v1/logs/files.
type LogFilesResponse struct {
	Directory string              `json:"directory"`
	Files     []auditlog.FileInfo `json:"files"`
}

// LogReadResponse is one page of log lines, most recent first.
type LogReadResponse struct {
	Entries  []string `json:"entries"`
	Total    int      `json:"total"`
	File     string   `json:"file"`
	Offset   int      `json:"offset"`
	Returned int      `json:"returned"`
}

// LogDeleteResponse acknowledges a log file deletion.
type LogDeleteResponse struct {
	Deleted string `json:"deleted"`
}

func (g *Gateway) handleLogConfigGet(c *okapi.Context) error {
	return c.OK(g.audit.Current())
}

func (g *Gateway) handleLogConfigSet(c *okapi.Context) error {
	var patch auditlog.Patch
	if err := c.Bind(&patch); err != nil {
		return c.AbortBadRequest("invalid log configuration")
	}
	for level := range patch.Levels {
		if !level.Valid() {
			return c.AbortBadRequest("unknown log level " + string(level))
		}
	}

	cfg, err := g.audit.Update(patch)
	if err != nil {
		g.logger.Error("updating log configuration", slog.String("error", err.Error()))
		return c.AbortInternalServerError("updating log configuration failed")
	}
	return c.OK(cfg)
}

func (g *Gateway) handleLogFiles(c *okapi.Context) error {
	files, err := g.audit.ListFiles()
	if err != nil {
		g.logger.Error("listing log files", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing log files failed")
	}
	return c.OK(LogFilesResponse{
		Directory: g.audit.Current().Directory,
		Files:     files,
	})
}

func (g *Gateway) handleLogRead(c *okapi.Context) error {
	lines := auditlog.DefaultReadLines
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.AbortBadRequest("lines must be an integer")
		}
		lines = n
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.AbortBadRequest("offset must be a non-negative integer")
		}
		offset = n
	}

	result, err := g.audit.Read(c.Query("file"), lines, offset)
	switch {
	case errors.Is(err, auditlog.ErrInvalidFilename):
		return c.AbortBadRequest("invalid log filename")
	case errors.Is(err, auditlog.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "log file not found"})
	case err != nil:
		g.logger.Error("reading log file", slog.String("error", err.Error()))
		return c.AbortInternalServerError("reading log file failed")
	}

	return c.OK(LogReadResponse{
		Entries:  result.Entries,
		Total:    result.Total,
		File:     result.File,
		Offset:   result.Offset,
		Returned: len(result.Entries),
	})
}

func (g *Gateway) handleLogDelete(c *okapi.Context) error {
	name := c.Param("name")
	err := g.audit.DeleteFile(name)
	switch {
	case errors.Is(err, auditlog.ErrInvalidFilename):
		return c.AbortBadRequest("invalid log filename")
	case errors.Is(err, auditlog.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "log file not found"})
	case err != nil:
		g.logger.Error("deleting log file", slog.String("error", err.Error()))
		return c.AbortInternalServerError("deleting log file failed")
	}
	return c.OK(LogDeleteResponse{Deleted: name})
}
