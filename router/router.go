package router

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/berkmancenter/linkage-point/linkage"
	"github.com/berkmancenter/linkage-point/logging"
	"github.com/berkmancenter/linkage-point/pseudonym"
	"github.com/berkmancenter/linkage-point/types"
)

const defaultBodyLimit = "64K"

// Handler serves the linkage routes on top of a linkage.Service.
type Handler struct {
	service   *linkage.Service
	auth      *Auth
	gatherer  prometheus.Gatherer
	bodyLimit string
}

type Option func(*Handler)

// WithAuth requires party credentials on the linkage routes and serves the
// credential routes. Without it every route is open.
func WithAuth(a *Auth) Option {
	return func(h *Handler) {
		h.auth = a
	}
}

// WithMetrics serves g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.gatherer = g
	}
}

func WithBodyLimit(limit string) Option {
	return func(h *Handler) {
		if limit != "" {
			h.bodyLimit = limit
		}
	}
}

func New(service *linkage.Service, opts ...Option) *Handler {
	h := &Handler{service: service, bodyLimit: defaultBodyLimit}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewServer returns an echo instance with the common middleware and all
// routes registered.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(logging.RequestLogger())
	RegisterRoutes(e, h)
	return e
}

func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.GET("/", h.getStatus)
	e.GET("/testConnection/:party", h.getTestConnection, h.protect("party")...)
	e.GET("/freshIds/:party", h.getFreshIDs, h.protect("party")...)
	e.POST("/linkageResult/:local/:remote", h.postLinkageResult,
		append([]echo.MiddlewareFunc{middleware.BodyLimit(h.bodyLimit)}, h.protect("local")...)...)

	if h.auth != nil {
		e.GET("/credential/:party/challenge", h.getChallenge)
		e.GET("/credential/:party", h.getCredential, h.auth.challengeAuth)
	}
	if h.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

func (h *Handler) protect(param string) []echo.MiddlewareFunc {
	if h.auth == nil {
		return nil
	}
	return []echo.MiddlewareFunc{h.auth.jwtMiddleware(), requireParty(param)}
}

func (h *Handler) getStatus(c echo.Context) error {
	resp := types.StatusResponse{Status: "ok", Parties: h.service.Parties()}
	if h.auth != nil {
		resp.ServerPublicKey = base64.StdEncoding.EncodeToString(h.auth.ServerPublicKey())
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTestConnection(c echo.Context) error {
	party := c.Param("party")
	issuer, err := h.service.Issuer(party)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, types.ConnectionResponse{
		Party:  party,
		Pad:    issuer.Pad(),
		Scheme: string(issuer.Scheme()),
	})
}

func (h *Handler) getFreshIDs(c echo.Context) error {
	count := 1
	if raw := c.QueryParam("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid count", Kind: "InvalidCount"})
		}
		count = n
	}

	ids, err := h.service.FreshIDs(c.Request().Context(), c.Param("party"), count)
	if err != nil {
		return writeError(c, err)
	}
	resp := types.FreshIDsResponse{LinkageIDs: make([]string, len(ids))}
	for k, id := range ids {
		resp.LinkageIDs[k] = pseudonym.EncodeToken(id)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) postLinkageResult(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return c.JSON(http.StatusLengthRequired, types.ErrorResponse{Error: "missing body", Kind: types.KindNoBody})
	}

	var req types.ShareRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "invalid body", Kind: types.KindBadRequest})
	}
	if req.Result == nil {
		return c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: "missing result", Kind: types.KindBadRequest})
	}

	share, err := linkage.ParseShare(req.Role, req.Result.Match, req.Result.TentativeMatch, req.Result.BestID)
	if err != nil {
		return writeError(c, err)
	}
	pair, err := linkage.PairFor(share.Role, c.Param("local"), c.Param("remote"))
	if err != nil {
		return writeError(c, err)
	}

	logging.Debugf("%s share received for %s", share.Role, pair)
	out, err := h.service.SubmitShare(c.Request().Context(), pair, share)
	if err != nil {
		return writeError(c, err)
	}
	if out.Status == linkage.OutcomePending {
		return c.JSON(http.StatusOK, types.PendingResponse{Status: types.StatusPending})
	}
	return c.JSON(http.StatusOK, types.LinkageResponse{LinkageID: pseudonym.EncodeToken(out.Token)})
}

func (h *Handler) getChallenge(c echo.Context) error {
	challenge, err := h.auth.issueChallenge(c.Param("party"))
	if err != nil {
		return c.JSON(http.StatusNotFound, types.ErrorResponse{Error: err.Error(), Kind: "UnknownParty"})
	}
	return c.JSON(http.StatusOK, types.ChallengeResponse{
		Token:           base64.StdEncoding.EncodeToString(challenge),
		ServerPublicKey: base64.StdEncoding.EncodeToString(h.auth.ServerPublicKey()),
	})
}

func (h *Handler) getCredential(c echo.Context) error {
	credential, err := h.auth.newCredential(c, c.Param("party"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, credential)
}

// StatusFor maps an error from the linkage service to an HTTP status.
func StatusFor(err error) int {
	switch linkage.Kind(err) {
	case "InvalidRole", "MalformedEncoding", "InvalidCount":
		return http.StatusBadRequest
	case "UnknownParty":
		return http.StatusNotFound
	case "SessionTimeout":
		return http.StatusRequestTimeout
	case "NotReady", "ShareLengthMismatch":
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(c echo.Context, err error) error {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return err
		}
		logging.Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
		return c.JSON(status, types.ErrorResponse{Error: "internal error", Kind: types.KindInternal})
	}
	return c.JSON(status, types.ErrorResponse{Error: err.Error(), Kind: linkage.Kind(err)})
}
