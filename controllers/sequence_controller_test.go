package controllers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"relaycrm/config"
	"relaycrm/models"
	"relaycrm/queue"
	"relaycrm/utils"
)

func newSequenceApp(t *testing.T) (*fiber.App, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, config.MigrateDB(db))

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	entry := logger.WithField("component", "test")

	q := queue.New(db, discardMailer{}, queue.Config{
		AppURL:            "https://app.test",
		UnsubscribeSecret: "unsub-secret",
	}, entry)

	sc := NewSequenceController(db, q, entry)
	app := fiber.New()
	app.Post("/api/v1/sequences/:id/trigger", sc.TriggerSequence)
	app.Patch("/api/v1/sequences/:id/contacts", sc.UpdateContactStatus)
	app.Delete("/api/v1/sequences/:id/contacts", sc.RemoveContacts)
	app.Get("/api/v1/sequences/:id/contacts", sc.ListSequenceContacts)
	return app, db
}

func seedSequenceWithContact(t *testing.T, db *gorm.DB) (models.Sequence, models.Contact) {
	t.Helper()
	sequence := models.Sequence{Name: "Onboarding", Active: utils.Pointer(true), Intervals: []int{0, 3}}
	require.NoError(t, db.Create(&sequence).Error)
	require.NoError(t, db.Create(&models.SequenceTemplate{
		SequenceID: sequence.ID, OrderIndex: 1, Subject: "Hello",
	}).Error)
	contact := models.Contact{Email: "ada@example.com", Name: "Ada"}
	require.NoError(t, db.Create(&contact).Error)
	return sequence, contact
}

func jsonRequest(t *testing.T, app *fiber.App, method, path string, payload interface{}) *http.Response {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req, err := http.NewRequest(method, path, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestTriggerSequence_EnrollsContacts(t *testing.T) {
	app, db := newSequenceApp(t)
	sequence, contact := seedSequenceWithContact(t, db)

	resp := jsonRequest(t, app, http.MethodPost,
		fmt.Sprintf("/api/v1/sequences/%d/trigger", sequence.ID),
		fiber.Map{"contact_ids": []uint{contact.ID}})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.EqualValues(t, 1, payload["added"])
	assert.EqualValues(t, 0, payload["existing"])

	var tasks int64
	require.NoError(t, db.Model(&models.QueueTask{}).Count(&tasks).Error)
	assert.EqualValues(t, 1, tasks)
}

func TestTriggerSequence_ValidatesBody(t *testing.T) {
	app, db := newSequenceApp(t)
	sequence, _ := seedSequenceWithContact(t, db)

	resp := jsonRequest(t, app, http.MethodPost,
		fmt.Sprintf("/api/v1/sequences/%d/trigger", sequence.ID),
		fiber.Map{"contact_ids": []uint{}})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestTriggerSequence_UnknownSequence(t *testing.T) {
	app, _ := newSequenceApp(t)

	resp := jsonRequest(t, app, http.MethodPost,
		"/api/v1/sequences/9999/trigger", fiber.Map{"contact_ids": []uint{1}})
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestUpdateContactStatus_PausesEnrollment(t *testing.T) {
	app, db := newSequenceApp(t)
	sequence, contact := seedSequenceWithContact(t, db)

	resp := jsonRequest(t, app, http.MethodPost,
		fmt.Sprintf("/api/v1/sequences/%d/trigger", sequence.ID),
		fiber.Map{"contact_ids": []uint{contact.ID}})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var enrollment models.ContactSequence
	require.NoError(t, db.Where("contact_id = ?", contact.ID).First(&enrollment).Error)

	resp = jsonRequest(t, app, http.MethodPatch,
		fmt.Sprintf("/api/v1/sequences/%d/contacts", sequence.ID),
		fiber.Map{"enrollment_ids": []uint{enrollment.ID}, "status": "paused"})
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	require.NoError(t, db.First(&enrollment, enrollment.ID).Error)
	assert.Equal(t, models.EnrollmentPaused, enrollment.Status)
}

func TestUpdateContactStatus_RejectsBadStatus(t *testing.T) {
	app, db := newSequenceApp(t)
	sequence, _ := seedSequenceWithContact(t, db)

	resp := jsonRequest(t, app, http.MethodPatch,
		fmt.Sprintf("/api/v1/sequences/%d/contacts", sequence.ID),
		fiber.Map{"enrollment_ids": []uint{1}, "status": "completed"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestRemoveContacts_ByQueryIDs(t *testing.T) {
	app, db := newSequenceApp(t)
	sequence, contact := seedSequenceWithContact(t, db)

	resp := jsonRequest(t, app, http.MethodPost,
		fmt.Sprintf("/api/v1/sequences/%d/trigger", sequence.ID),
		fiber.Map{"contact_ids": []uint{contact.ID}})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var enrollment models.ContactSequence
	require.NoError(t, db.Where("contact_id = ?", contact.ID).First(&enrollment).Error)

	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("/api/v1/sequences/%d/contacts?ids=%d", sequence.ID, enrollment.ID), nil)
	require.NoError(t, err)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var enrollments, tasks int64
	require.NoError(t, db.Model(&models.ContactSequence{}).Count(&enrollments).Error)
	require.NoError(t, db.Model(&models.QueueTask{}).Count(&tasks).Error)
	assert.EqualValues(t, 0, enrollments)
	assert.EqualValues(t, 0, tasks)
}

func TestListSequenceContacts(t *testing.T) {
	app, db := newSequenceApp(t)
	sequence, contact := seedSequenceWithContact(t, db)

	resp := jsonRequest(t, app, http.MethodPost,
		fmt.Sprintf("/api/v1/sequences/%d/trigger", sequence.ID),
		fiber.Map{"contact_ids": []uint{contact.ID}})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/v1/sequences/%d/contacts", sequence.ID), nil)
	require.NoError(t, err)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var payload struct {
		Enrollments []models.ContactSequence `json:"enrollments"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Enrollments, 1)
	assert.Equal(t, contact.ID, payload.Enrollments[0].ContactID)
}
