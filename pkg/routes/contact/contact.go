package contact

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	contactrepo "github.com/Ramsey-B/fern/internal/repositories/contact"
	"github.com/Ramsey-B/fern/pkg/identity"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Register registers contact read routes
func Register(g *echo.Group) {
	g.GET("", List)
	g.GET("/:id", Get)
	g.GET("/:id/identity", GetIdentity)
	g.DELETE("/:id", Delete)
}

func contactID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, httperror.NewHTTPError(http.StatusBadRequest, "invalid contact id")
	}
	return id, nil
}

// List returns stored contacts, newest first
func List(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "contact_handler.List")
	defer span.End()

	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	ctx, repo, err := ectoinject.GetContext[*contactrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}

	resp, err := repo.List(ctx, page, pageSize)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}

// Get returns a single stored contact
func Get(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "contact_handler.Get")
	defer span.End()

	id, err := contactID(c)
	if err != nil {
		return err
	}

	ctx, repo, err := ectoinject.GetContext[*contactrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}

	result, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// GetIdentity returns the consolidated identity group of a contact
func GetIdentity(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "contact_handler.GetIdentity")
	defer span.End()

	id, err := contactID(c)
	if err != nil {
		return err
	}

	ctx, engine, err := ectoinject.GetContext[*identity.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get identity engine")
	}

	resp, err := engine.IdentityOf(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, resp)
}

// Delete soft deletes a contact
func Delete(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "contact_handler.Delete")
	defer span.End()

	id, err := contactID(c)
	if err != nil {
		return err
	}

	ctx, repo, err := ectoinject.GetContext[*contactrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get repository")
	}

	if err := repo.SoftDelete(ctx, id); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}
