package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/pkg/logger"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/service"
)

// submissionSuffix marks the paths whose POSTs are submissions.
const submissionSuffix = "/analyze"

type InterceptHandler struct {
	proxy        *service.Proxy
	maxBodyBytes int64
}

func NewInterceptHandler(proxy *service.Proxy, maxBodyBytes int64) *InterceptHandler {
	return &InterceptHandler{proxy: proxy, maxBodyBytes: maxBodyBytes}
}

// IsSubmission reports whether r is a document submission the proxy must not lose.
func IsSubmission(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.HasSuffix(strings.TrimRight(r.URL.Path, "/"), submissionSuffix)
}

// Intercept forwards every request it receives to the analysis service.
// Submissions that cannot reach it are stored and answered as pending.
func (h *InterceptHandler) Intercept(c *gin.Context) {
	ctx := c.Request.Context()

	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(c, http.StatusRequestEntityTooLarge, model.KindPayloadExtraction, "Request body too large")
				return
			}
			writeError(c, http.StatusBadRequest, model.KindPayloadExtraction, "Failed to read request body")
			return
		}
	}

	req := &service.ForwardRequest{
		Method:   c.Request.Method,
		Path:     c.Request.URL.Path,
		RawQuery: c.Request.URL.RawQuery,
		Header:   c.Request.Header,
		Body:     body,
	}

	if !IsSubmission(c.Request) {
		h.passthrough(c, req)
		return
	}

	outcome := h.proxy.Deliver(ctx, req)
	writeOutcome(c, outcome)
}

func (h *InterceptHandler) passthrough(c *gin.Context, req *service.ForwardRequest) {
	resp, err := h.proxy.Passthrough(c.Request.Context(), req)
	if err != nil {
		logger.Warn(c.Request.Context(), "Passthrough request failed", "path", req.Path, "error", err)
		writeError(c, http.StatusBadGateway, model.ErrorKind(err), "Analysis service unreachable")
		return
	}
	copyHeader(c.Writer.Header(), resp.Header)
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
}

func writeOutcome(c *gin.Context, o model.Outcome) {
	c.Header(model.OutcomeHeader, string(o.Kind))

	switch o.Kind {
	case model.OutcomeDelivered:
		copyHeader(c.Writer.Header(), o.Header)
		c.Data(o.StatusCode, o.Header.Get("Content-Type"), o.Body)

	case model.OutcomePending:
		resp := model.PendingResponse{Pending: true, Message: o.Reason}
		if o.Pending != nil {
			resp.Filename = o.Pending.Filename
		}
		c.JSON(http.StatusOK, resp)

	default:
		kind := model.ErrorKind(o.Err)
		if kind == model.KindApplication && o.StatusCode != 0 {
			copyHeader(c.Writer.Header(), o.Header)
			c.Header(model.ErrorKindHeader, kind)
			c.Data(o.StatusCode, o.Header.Get("Content-Type"), o.Body)
			return
		}
		writeError(c, statusFor(kind), kind, o.Err.Error())
	}
}

func writeError(c *gin.Context, status int, kind, message string) {
	c.Header(model.OutcomeHeader, string(model.OutcomeFailed))
	c.Header(model.ErrorKindHeader, kind)
	c.JSON(status, model.ErrorResponse{Error: message, Kind: kind})
}

func statusFor(kind string) int {
	switch kind {
	case model.KindPayloadExtraction:
		return http.StatusUnprocessableEntity
	case model.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case model.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
