package response

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Envelope wraps every JSON body returned by the proctor API.
type Envelope struct {
	Data  any        `json:"data"`
	Error *ErrorBody `json:"error,omitempty"`
	Meta  Meta       `json:"metadata"`
}

type ErrorBody struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Meta carries the request id and the server clock. Browsers compare
// server_time_ms with their own clock before rendering the countdown.
type Meta struct {
	RequestID    string `json:"request_id"`
	Timestamp    string `json:"timestamp"`
	ServerTimeMS int64  `json:"server_time_ms"`
}

func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, Envelope{Data: data, Meta: meta(c)})
}

// Fail writes an error envelope. Optional field errors are attached when given.
func Fail(c *gin.Context, statusCode int, code ErrCode, fields ...map[string]string) {
	c.JSON(statusCode, failure(c, code, fields))
}

// AbortFail stops the middleware chain and writes an error envelope.
func AbortFail(c *gin.Context, statusCode int, code ErrCode) {
	c.AbortWithStatusJSON(statusCode, failure(c, code, nil))
}

func failure(c *gin.Context, code ErrCode, fields []map[string]string) Envelope {
	body := &ErrorBody{Code: code, Message: GetMessage(code)}
	if len(fields) > 0 && len(fields[0]) > 0 {
		body.Fields = fields[0]
	}
	return Envelope{Error: body, Meta: meta(c)}
}

func meta(c *gin.Context) Meta {
	id := c.GetString(ContextKeyRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return Meta{
		RequestID:    id,
		Timestamp:    now.Format(time.RFC3339),
		ServerTimeMS: now.UnixMilli(),
	}
}
