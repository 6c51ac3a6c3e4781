package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/auth"
	"github.com/frahmantamala/rental-fulfillment/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	signingKey *rsa.PrivateKey
	otherKey   *rsa.PrivateKey
)

var _ = BeforeSuite(func() {
	var err error
	signingKey, err = rsa.GenerateKey(rand.Reader, 2048)
	Expect(err).NotTo(HaveOccurred())
	otherKey, err = rsa.GenerateKey(rand.Reader, 2048)
	Expect(err).NotTo(HaveOccurred())
})

func mint(key *rsa.PrivateKey, subject, role string, ttl time.Duration) string {
	claims := auth.Claims{
		Email: subject + "@example.com",
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "rental-identity",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	Expect(err).NotTo(HaveOccurred())
	return token
}

var _ = Describe("JWTVerifier", func() {
	var verifier *auth.JWTVerifier

	BeforeEach(func() {
		verifier = auth.NewJWTVerifier(&signingKey.PublicKey, "rental-identity")
	})

	It("resolves subject and role", func() {
		p, err := verifier.Verify(mint(signingKey, "u-1", auth.RoleAdmin, time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(p.ID).To(Equal("u-1"))
		Expect(p.Role).To(Equal(auth.RoleAdmin))
		Expect(p.IsElevated()).To(BeTrue())
	})

	It("defaults a missing role to customer", func() {
		p, err := verifier.Verify(mint(signingKey, "u-2", "", time.Minute))
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Role).To(Equal(auth.RoleCustomer))
		Expect(p.IsElevated()).To(BeFalse())
	})

	It("reports expiry distinctly", func() {
		_, err := verifier.Verify(mint(signingKey, "u-1", auth.RoleAdmin, -time.Minute))
		Expect(err).To(Equal(internal.ErrTokenExpired))
	})

	It("rejects tokens signed by another key", func() {
		_, err := verifier.Verify(mint(otherKey, "u-1", auth.RoleAdmin, time.Minute))
		Expect(err).To(Equal(internal.ErrInvalidToken))
	})

	It("rejects HMAC tokens", func() {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "u-1", "role": "admin", "exp": time.Now().Add(time.Minute).Unix(),
		}).SignedString([]byte("secret"))
		Expect(err).NotTo(HaveOccurred())
		_, err = verifier.Verify(token)
		Expect(err).To(Equal(internal.ErrInvalidToken))
	})

	It("never lets a bearer token claim the service role", func() {
		_, err := verifier.Verify(mint(signingKey, auth.WebhookServiceID, auth.RoleService, time.Minute))
		Expect(err).To(Equal(internal.ErrInvalidToken))
	})
})

var _ = Describe("RequireElevatedPrivilege", func() {
	It("fails without a principal", func() {
		_, err := auth.RequireElevatedPrivilege(context.Background())
		appErr, ok := internal.IsAppError(err)
		Expect(ok).To(BeTrue())
		Expect(appErr.StatusCode).To(Equal(http.StatusUnauthorized))
	})

	It("refuses staff and accepts admins and the webhook identity", func() {
		_, err := auth.RequireElevatedPrivilege(auth.WithPrincipal(context.Background(), &auth.Principal{ID: "s", Role: auth.RoleStaff}))
		Expect(err).To(Equal(internal.ErrInsufficientRole))

		for _, p := range []*auth.Principal{
			{ID: "a", Role: auth.RoleAdmin},
			{ID: "sa", Role: auth.RoleSuperAdmin},
			auth.ServicePrincipal(auth.WebhookServiceID),
		} {
			got, err := auth.RequireElevatedPrivilege(auth.WithPrincipal(context.Background(), p))
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(p.ID))
		}
	})

	It("records the principal as the acting actor", func() {
		ctx := auth.WithPrincipal(context.Background(), &auth.Principal{ID: "a-9", Role: auth.RoleAdmin})
		Expect(internal.ActorFromContext(ctx)).To(Equal("a-9"))
	})
})

var _ = Describe("Middleware", func() {
	var (
		mw      *auth.Middleware
		reached *auth.Principal
		handler http.Handler
	)

	BeforeEach(func() {
		reached = nil
		mw = auth.NewMiddleware(auth.NewJWTVerifier(&signingKey.PublicKey, ""), logger.Discard())
		handler = mw.Authenticate(mw.RequireElevated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reached, _ = auth.PrincipalFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})))
	})

	serve := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/bookings/bk-1/confirm", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	It("returns 401 without a token", func() {
		Expect(serve("").Code).To(Equal(http.StatusUnauthorized))
		Expect(reached).To(BeNil())
	})

	It("returns 403 for a customer", func() {
		Expect(serve(mint(signingKey, "c-1", auth.RoleCustomer, time.Minute)).Code).To(Equal(http.StatusForbidden))
	})

	It("passes admins through with the principal attached", func() {
		Expect(serve(mint(signingKey, "a-1", auth.RoleSuperAdmin, time.Minute)).Code).To(Equal(http.StatusNoContent))
		Expect(reached).NotTo(BeNil())
		Expect(reached.ID).To(Equal("a-1"))
	})
})
