package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
)

func idParam(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.ErrInput, "", "parse_"+name, "invalid "+name, err)
	}
	return id, nil
}

func dbcOf(c *gin.Context) dbctx.Context {
	return dbctx.New(c.Request.Context())
}

func bindJSON(c *gin.Context, dst any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		return apperr.Wrap(apperr.ErrInput, "", "bind", "invalid request body", err)
	}
	return nil
}
