package server

import (
	"errors"
	"strconv"

	"tastebook/internal/models"
	"tastebook/internal/repository"

	"github.com/gofiber/fiber/v2"
)

// parseID parses a numeric path parameter. On malformed input it writes the
// validation response itself and returns a non-nil error; the handler just
// returns nil.
func (s *Server) parseID(c *fiber.Ctx, name string) (uint, error) {
	raw := c.Params(name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err == nil && id == 0 {
		err = strconv.ErrRange
	}
	if err != nil {
		_ = models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid "+name))
		return 0, err
	}
	return uint(id), nil
}

// statusForError maps the application error taxonomy to HTTP statuses.
func statusForError(err error) int {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case models.ErrCodeValidation:
			return fiber.StatusBadRequest
		case models.ErrCodeUnauthorized:
			return fiber.StatusUnauthorized
		case models.ErrCodeForbidden:
			return fiber.StatusForbidden
		case models.ErrCodeNotFound:
			return fiber.StatusNotFound
		}
	}
	if repository.IsNotFound(err) {
		return fiber.StatusNotFound
	}
	return fiber.StatusInternalServerError
}
