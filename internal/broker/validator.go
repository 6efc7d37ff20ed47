package broker

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sweetlink/sweetlink/internal/protocol"
)

// CustomValidator implements Echo's Validator interface.
type CustomValidator struct{}

// Validate validates the request body.
func (CustomValidator) Validate(i interface{}) error {
	if err := protocol.ValidateStruct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}
