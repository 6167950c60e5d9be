// Package account covers the unauthenticated half of the credential
// lifecycle: creating partner and user accounts, password login, and
// email availability checks. Verified logins hand back the credential
// identity the session layer turns into a token.
package account

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/crypto/bcrypt"

	"carbontrace/internal/domain"
)

// Service performs account creation and login against the two account
// collections.
type Service struct {
	store  domain.Store
	logger *slog.Logger
}

func NewService(store domain.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger.With("component", "account")}
}

// PartnerSignup is the registration payload for a company account.
type PartnerSignup struct {
	CompanyName           string
	Username              string
	Email                 string
	Password              string
	Region                string
	MeasurementCategories []string
}

func (s PartnerSignup) validate() error {
	missing := []string{}
	for _, f := range []struct{ name, value string }{
		{"company_name", s.CompanyName},
		{"username", s.Username},
		{"email", s.Email},
		{"password", s.Password},
		{"region", s.Region},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return domain.ErrMissingData("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// CreatePartner registers a company account. The account id doubles as
// the company id, so sub-accounts invited later share the same tenant.
// One upload task is seeded per measurement category.
func (s *Service) CreatePartner(ctx context.Context, signup PartnerSignup) (domain.Document, *domain.Credential, error) {
	if err := signup.validate(); err != nil {
		return nil, nil, err
	}
	partners := s.store.Collection(domain.ColPartners)
	if err := s.assertEmailFree(ctx, partners, "company_email", signup.Email); err != nil {
		return nil, nil, err
	}
	if err := s.assertUsernameFree(ctx, partners, signup.Username); err != nil {
		return nil, nil, err
	}
	hashed, err := hashPassword(signup.Password)
	if err != nil {
		return nil, nil, err
	}
	companyID := primitive.NewObjectID()
	now := time.Now().UTC()
	doc := domain.Document{
		domain.FieldID:           companyID,
		"company_id":             companyID,
		"company":                signup.CompanyName,
		"company_email":          signup.Email,
		"email":                  signup.Email,
		"username":               signup.Username,
		"password":               hashed,
		"region":                 signup.Region,
		"measurement_categories": signup.MeasurementCategories,
		"role":                   "company",
		"joined":                 now,
	}
	if _, err := partners.InsertOne(ctx, doc); err != nil {
		return nil, nil, err
	}
	if tasks := uploadTasks(companyID, signup.MeasurementCategories, now); len(tasks) > 0 {
		if _, err := s.store.Collection(domain.ColTasks).InsertMany(ctx, tasks); err != nil {
			// The account exists; a failed task seed should not undo it.
			s.logger.Error("seeding upload tasks failed", "company_id", companyID.Hex(), "error", err)
		}
	}
	delete(doc, "password")
	return doc, &domain.Credential{
		PrincipalID:  companyID,
		Kind:         domain.KindPartner,
		ActingUserID: companyID,
	}, nil
}

// CreateUser registers an individual consumer account.
func (s *Service) CreateUser(ctx context.Context, username, email, password string) (domain.Document, *domain.Credential, error) {
	missing := []string{}
	for _, f := range []struct{ name, value string }{
		{"username", username}, {"email", email}, {"password", password},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, nil, domain.ErrMissingData("missing required fields: %s", strings.Join(missing, ", "))
	}
	users := s.store.Collection(domain.ColUsers)
	if err := s.assertEmailFree(ctx, users, "email", email); err != nil {
		return nil, nil, err
	}
	if err := s.assertUsernameFree(ctx, users, username); err != nil {
		return nil, nil, err
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return nil, nil, err
	}
	doc := domain.Document{
		"username": username,
		"email":    email,
		"password": hashed,
		"spriving": false,
		"joined":   time.Now().UTC(),
	}
	id, err := users.InsertOne(ctx, doc)
	if err != nil {
		return nil, nil, err
	}
	doc[domain.FieldID] = id
	delete(doc, "password")
	return doc, &domain.Credential{PrincipalID: id, Kind: domain.KindUser}, nil
}

// PartnerLogin verifies a partner account by email and password. The
// credential identifies the company as tenant and the account itself as
// the acting user.
func (s *Service) PartnerLogin(ctx context.Context, email, password string) (domain.Document, *domain.Credential, error) {
	account, err := s.login(ctx, domain.ColPartners, "email", email, password)
	if err != nil {
		return nil, nil, err
	}
	userID, _ := account[domain.FieldID].(primitive.ObjectID)
	companyID, _ := account["company_id"].(primitive.ObjectID)
	delete(account, domain.FieldID)
	return account, &domain.Credential{
		PrincipalID:  companyID,
		Kind:         domain.KindPartner,
		ActingUserID: userID,
	}, nil
}

// UserLogin verifies a user account by username and password.
func (s *Service) UserLogin(ctx context.Context, username, password string) (domain.Document, *domain.Credential, error) {
	account, err := s.login(ctx, domain.ColUsers, "username", username, password)
	if err != nil {
		return nil, nil, err
	}
	id, _ := account[domain.FieldID].(primitive.ObjectID)
	return account, &domain.Credential{PrincipalID: id, Kind: domain.KindUser}, nil
}

func (s *Service) login(ctx context.Context, collection, field, value, password string) (domain.Document, error) {
	account, err := s.store.Collection(collection).FindOne(ctx, bson.M{field: value}, nil)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrNotFound("could not find an account with that %s", field)
	}
	hashed, _ := account["password"].(string)
	if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) != nil {
		return nil, domain.ErrUnauthenticated("incorrect password")
	}
	delete(account, "password")
	return account, nil
}

// EmailAvailable reports whether an email is free for the given account
// kind. Partner emails are company-wide, so the check runs against the
// company_email field.
func (s *Service) EmailAvailable(ctx context.Context, kind domain.PrincipalKind, email string) (bool, error) {
	field := "email"
	if kind == domain.KindPartner {
		field = "company_email"
	}
	existing, err := s.store.Collection(string(kind)).FindOne(ctx,
		bson.M{field: email}, bson.M{domain.FieldID: 1})
	if err != nil {
		return false, err
	}
	return existing == nil, nil
}

// ListPartners returns every company account's public listing fields.
func (s *Service) ListPartners(ctx context.Context) ([]domain.Document, error) {
	return s.store.Collection(domain.ColPartners).Find(ctx,
		bson.M{"role": "company"},
		&domain.FindOptions{Projection: bson.M{"name": "$company", "joined": 1, "region": 1}})
}

func (s *Service) assertEmailFree(ctx context.Context, c domain.Collection, field, email string) error {
	existing, err := c.FindOne(ctx, bson.M{field: email}, bson.M{domain.FieldID: 1})
	if err != nil {
		return err
	}
	if existing != nil {
		return domain.ErrConflict("that email is already in use")
	}
	return nil
}

func (s *Service) assertUsernameFree(ctx context.Context, c domain.Collection, username string) error {
	existing, err := c.FindOne(ctx, bson.M{"username": username}, bson.M{domain.FieldID: 1})
	if err != nil {
		return err
	}
	if existing != nil {
		return domain.ErrConflict("that username is already in use")
	}
	return nil
}

func hashPassword(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", domain.ErrInternal(err, "hashing password")
	}
	return string(hashed), nil
}
