package controllers

import (
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycrm/models"
	"relaycrm/utils"
)

func TestUnsubscribe_ValidToken(t *testing.T) {
	f := newWebhookFixture(t)
	uc := NewUnsubscribeController(f.controller.Queue, "unsub-secret", f.controller.Logger)
	f.app.Get("/unsubscribe/:token", uc.Unsubscribe)

	token, err := utils.UnsubscribeToken(f.contact.ID, "unsub-secret")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "/unsubscribe/"+token, nil)
	require.NoError(t, err)
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var contact models.Contact
	require.NoError(t, f.db.First(&contact, f.contact.ID).Error)
	assert.True(t, contact.IsUnsubscribed)

	var enrollment models.ContactSequence
	require.NoError(t, f.db.Where("contact_id = ?", f.contact.ID).First(&enrollment).Error)
	assert.Equal(t, models.EnrollmentUnsubscribed, enrollment.Status)

	// A second click on the same link is still a 200.
	req, err = http.NewRequest(http.MethodGet, "/unsubscribe/"+token, nil)
	require.NoError(t, err)
	resp, err = f.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestUnsubscribe_InvalidToken(t *testing.T) {
	f := newWebhookFixture(t)
	uc := NewUnsubscribeController(f.controller.Queue, "unsub-secret", f.controller.Logger)
	f.app.Get("/unsubscribe/:token", uc.Unsubscribe)

	req, err := http.NewRequest(http.MethodGet, "/unsubscribe/garbage", nil)
	require.NoError(t, err)
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	var contact models.Contact
	require.NoError(t, f.db.First(&contact, f.contact.ID).Error)
	assert.False(t, contact.IsUnsubscribed)
}
