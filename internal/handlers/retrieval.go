package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/chunking"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/manifest"
	"github.com/mendozarene1206-hub/AutoGrid-sub000/internal/retrieval"
)

// Reader is the read side the retrieval routes call.
type Reader interface {
	GetManifest(ctx context.Context, estimationID string) (*manifest.Manifest, error)
	GetMainData(ctx context.Context, estimationID string) (*manifest.MainData, error)
	GetTree(ctx context.Context, estimationID string, opts retrieval.TreeOptions) (*retrieval.TreeData, error)
	GetAssets(ctx context.Context, estimationID string, q retrieval.AssetQuery) (*retrieval.AssetPage, error)
	GetChunk(ctx context.Context, estimationID string, index int) (*chunking.Document, error)
}

// RetrievalHandler serves the /estimations read routes.
type RetrievalHandler struct {
	reader Reader
}

func NewRetrievalHandler(reader Reader) *RetrievalHandler {
	return &RetrievalHandler{reader: reader}
}

// Register mounts the read routes on g.
func (h *RetrievalHandler) Register(g *gin.RouterGroup) {
	g.GET("/:id/univer-data", h.MainData)
	g.GET("/:id/tree-data", h.Tree)
	g.GET("/:id/assets", h.Assets)
	g.GET("/:id/manifest", h.Manifest)
	g.GET("/:id/chunks/:index", h.Chunk)
}

// MainData handles GET /estimations/:id/univer-data.
func (h *RetrievalHandler) MainData(c *gin.Context) {
	md, err := h.reader.GetMainData(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, md)
}

// Tree handles GET /estimations/:id/tree-data?includeEmpty&maxDepth.
func (h *RetrievalHandler) Tree(c *gin.Context) {
	var opts retrieval.TreeOptions
	var err error
	if opts.IncludeEmpty, err = queryBool(c, "includeEmpty", false); err != nil {
		respondError(c, err)
		return
	}
	if opts.MaxDepth, err = queryInt(c, "maxDepth", 0); err != nil {
		respondError(c, err)
		return
	}

	td, err := h.reader.GetTree(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, td)
}

// Assets handles GET /estimations/:id/assets?conceptCode&sheetType&limit&offset&signed.
func (h *RetrievalHandler) Assets(c *gin.Context) {
	q := retrieval.AssetQuery{
		ConceptCode: c.Query("conceptCode"),
		Type:        c.Query("sheetType"),
	}
	var err error
	if q.Limit, err = queryInt(c, "limit", 0); err != nil {
		respondError(c, err)
		return
	}
	if q.Offset, err = queryInt(c, "offset", 0); err != nil {
		respondError(c, err)
		return
	}
	signed, err := queryBool(c, "signed", true)
	if err != nil {
		respondError(c, err)
		return
	}
	q.Signed = &signed

	page, err := h.reader.GetAssets(c.Request.Context(), c.Param("id"), q)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, page)
}

// Manifest handles GET /estimations/:id/manifest.
func (h *RetrievalHandler) Manifest(c *gin.Context) {
	m, err := h.reader.GetManifest(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, m)
}

// Chunk handles GET /estimations/:id/chunks/:index.
func (h *RetrievalHandler) Chunk(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondError(c, validationError("chunk index must be an integer"))
		return
	}
	doc, err := h.reader.GetChunk(c.Request.Context(), c.Param("id"), index)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, doc)
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	v, ok := c.GetQuery(name)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, validationError("%s must be an integer", name)
	}
	return n, nil
}

func queryBool(c *gin.Context, name string, def bool) (bool, error) {
	v, ok := c.GetQuery(name)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, validationError("%s must be true or false", name)
	}
	return b, nil
}
