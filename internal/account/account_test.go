package account

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"carbontrace/internal/domain"
	"carbontrace/internal/store"
)

func newTestService() (*store.Memory, *Service) {
	mem := store.NewMemory()
	return mem, NewService(mem, slog.Default())
}

func validSignup() PartnerSignup {
	return PartnerSignup{
		CompanyName:           "acme",
		Username:              "root",
		Email:                 "root@acme.test",
		Password:              "hunter2",
		Region:                "US",
		MeasurementCategories: []string{"1", "2", "3.6"},
	}
}

func TestCreatePartner(t *testing.T) {
	mem, svc := newTestService()
	ctx := context.Background()

	doc, cred, err := svc.CreatePartner(ctx, validSignup())
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, domain.KindPartner, cred.Kind)
	assert.Equal(t, cred.PrincipalID, cred.ActingUserID)
	assert.NotContains(t, doc, "password")
	assert.Equal(t, doc["company_id"], doc[domain.FieldID])

	account, err := mem.Collection(domain.ColPartners).FindOne(ctx, bson.M{"company_id": cred.PrincipalID}, nil)
	require.NoError(t, err)
	assert.Equal(t, "company", account["role"])
	assert.NotEqual(t, "hunter2", account["password"])
}

func TestCreatePartnerSeedsUploadTasks(t *testing.T) {
	mem, svc := newTestService()
	ctx := context.Background()

	_, cred, err := svc.CreatePartner(ctx, validSignup())
	require.NoError(t, err)

	tasks, err := mem.Collection(domain.ColTasks).Find(ctx, bson.M{domain.FieldTenant: cred.PrincipalID}, nil)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	byCategory := map[string]domain.Document{}
	for _, task := range tasks {
		byCategory[task["ghg_category"].(string)] = task
	}
	assert.Equal(t, "Upload Scope 1 data", byCategory["1"]["task"])
	assert.Equal(t, "1", byCategory["1"]["scope"])
	assert.Equal(t, "3", byCategory["3.6"]["scope"])
	assert.Equal(t, "business travel", byCategory["3.6"]["category"])
	for _, task := range byCategory {
		assert.Equal(t, false, task["complete"])
		assert.Equal(t, "collection", task["type"])
	}
}

func TestCreatePartnerSkipsUnknownCategories(t *testing.T) {
	mem, svc := newTestService()
	signup := validSignup()
	signup.MeasurementCategories = []string{"1", "9.9"}

	_, cred, err := svc.CreatePartner(context.Background(), signup)
	require.NoError(t, err)

	count, err := mem.Collection(domain.ColTasks).CountDocuments(context.Background(),
		bson.M{domain.FieldTenant: cred.PrincipalID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCreatePartnerRequiresCoreFields(t *testing.T) {
	_, svc := newTestService()
	signup := validSignup()
	signup.Region = ""
	signup.Password = ""

	_, _, err := svc.CreatePartner(context.Background(), signup)
	require.Error(t, err)
	var missing *domain.MissingDataError
	require.ErrorAs(t, err, &missing)
	assert.Contains(t, err.Error(), "password")
	assert.Contains(t, err.Error(), "region")
}

func TestCreatePartnerRejectsTakenEmail(t *testing.T) {
	_, svc := newTestService()
	ctx := context.Background()
	_, _, err := svc.CreatePartner(ctx, validSignup())
	require.NoError(t, err)

	signup := validSignup()
	signup.Username = "other"
	_, _, err = svc.CreatePartner(ctx, signup)
	require.Error(t, err)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, err.Error(), "email")
}

func TestCreatePartnerRejectsTakenUsername(t *testing.T) {
	_, svc := newTestService()
	ctx := context.Background()
	_, _, err := svc.CreatePartner(ctx, validSignup())
	require.NoError(t, err)

	signup := validSignup()
	signup.Email = "other@acme.test"
	_, _, err = svc.CreatePartner(ctx, signup)
	require.Error(t, err)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, err.Error(), "username")
}

func TestCreateUser(t *testing.T) {
	mem, svc := newTestService()
	ctx := context.Background()

	doc, cred, err := svc.CreateUser(ctx, "ada", "ada@example.test", "secret")
	require.NoError(t, err)
	assert.Equal(t, domain.KindUser, cred.Kind)
	assert.NotContains(t, doc, "password")

	account, err := mem.Collection(domain.ColUsers).FindOne(ctx, bson.M{domain.FieldID: cred.PrincipalID}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ada", account["username"])
	assert.Equal(t, false, account["spriving"])
}

func TestCreateUserRequiresCoreFields(t *testing.T) {
	_, svc := newTestService()
	_, _, err := svc.CreateUser(context.Background(), "ada", "", "")
	require.Error(t, err)
	var missing *domain.MissingDataError
	assert.ErrorAs(t, err, &missing)
}

func TestPartnerLogin(t *testing.T) {
	_, svc := newTestService()
	ctx := context.Background()
	_, created, err := svc.CreatePartner(ctx, validSignup())
	require.NoError(t, err)

	account, cred, err := svc.PartnerLogin(ctx, "root@acme.test", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, created.PrincipalID, cred.PrincipalID)
	assert.Equal(t, created.PrincipalID, cred.ActingUserID)
	assert.Equal(t, domain.KindPartner, cred.Kind)
	assert.NotContains(t, account, "password")
}

func TestPartnerLoginWrongPassword(t *testing.T) {
	_, svc := newTestService()
	ctx := context.Background()
	_, _, err := svc.CreatePartner(ctx, validSignup())
	require.NoError(t, err)

	_, _, err = svc.PartnerLogin(ctx, "root@acme.test", "wrong")
	require.Error(t, err)
	var unauthenticated *domain.UnauthenticatedError
	assert.ErrorAs(t, err, &unauthenticated)
}

func TestPartnerLoginUnknownEmail(t *testing.T) {
	_, svc := newTestService()
	_, _, err := svc.PartnerLogin(context.Background(), "nobody@acme.test", "hunter2")
	require.Error(t, err)
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestUserLogin(t *testing.T) {
	_, svc := newTestService()
	ctx := context.Background()
	_, created, err := svc.CreateUser(ctx, "ada", "ada@example.test", "secret")
	require.NoError(t, err)

	account, cred, err := svc.UserLogin(ctx, "ada", "secret")
	require.NoError(t, err)
	assert.Equal(t, created.PrincipalID, cred.PrincipalID)
	assert.Equal(t, domain.KindUser, cred.Kind)
	assert.Equal(t, "ada@example.test", account["email"])
}

func TestEmailAvailable(t *testing.T) {
	_, svc := newTestService()
	ctx := context.Background()

	free, err := svc.EmailAvailable(ctx, domain.KindPartner, "root@acme.test")
	require.NoError(t, err)
	assert.True(t, free)

	_, _, err = svc.CreatePartner(ctx, validSignup())
	require.NoError(t, err)

	free, err = svc.EmailAvailable(ctx, domain.KindPartner, "root@acme.test")
	require.NoError(t, err)
	assert.False(t, free)

	// The same address is still free on the user side.
	free, err = svc.EmailAvailable(ctx, domain.KindUser, "root@acme.test")
	require.NoError(t, err)
	assert.True(t, free)
}

func TestListPartners(t *testing.T) {
	_, svc := newTestService()
	ctx := context.Background()
	_, _, err := svc.CreatePartner(ctx, validSignup())
	require.NoError(t, err)

	partners, err := svc.ListPartners(ctx)
	require.NoError(t, err)
	require.Len(t, partners, 1)
	assert.Equal(t, "acme", partners[0]["name"])
	assert.NotContains(t, partners[0], "password")
}
