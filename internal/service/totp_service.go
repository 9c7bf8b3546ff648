package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/omnisuite/authcore/internal/domain"
	"github.com/omnisuite/authcore/internal/observability"
	"github.com/omnisuite/authcore/internal/repository"
)

const (
	totpPeriod     = 30
	totpSkew       = 1
	totpSecretSize = 20 // 160 bits
)

// TOTPEnrollment is handed to the caller for QR/manual provisioning. MFA is
// not enforced until the first successful verification confirms the device.
type TOTPEnrollment struct {
	Secret string
	URI    string
}

// TOTPService enrolls principals and verifies 6-digit time-based codes with a
// one-step skew window. Successful verifications advance the replay ledger via
// compare-and-set, so a code never validates twice.
type TOTPService struct {
	totps      repository.TotpRepository
	principals repository.PrincipalRepository
	issuer     string
	clock      Clock
}

func NewTOTPService(totps repository.TotpRepository, principals repository.PrincipalRepository, issuer string, clock Clock) *TOTPService {
	if clock == nil {
		clock = SystemClock()
	}
	return &TOTPService{totps: totps, principals: principals, issuer: issuer, clock: clock}
}

func (s *TOTPService) Enroll(ctx context.Context, principalID uint) (*TOTPEnrollment, error) {
	p, err := s.principals.FindByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, storeFailure(err)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: p.Email,
		SecretSize:  totpSecretSize,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}
	cred := &domain.TotpCredential{
		PrincipalID:  principalID,
		Secret:       key.Secret(),
		LastUsedStep: -1,
	}
	if err := s.totps.Upsert(ctx, cred); err != nil {
		return nil, storeFailure(err)
	}
	observability.Audit(ctx, "totp_enrolled", "principal_id", principalID)
	return &TOTPEnrollment{Secret: key.Secret(), URI: key.URL()}, nil
}

// Verify checks the code against the current and ±1 adjacent steps. The
// matched step must be strictly greater than the stored ledger value; the
// first success after enrollment flips MFA on for the principal.
func (s *TOTPService) Verify(ctx context.Context, principalID uint, code string, at time.Time) error {
	cred, err := s.totps.Find(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrTotpNotEnrolled) {
			observability.RecordTOTPVerification("not_enrolled")
			return ErrInvalidCode
		}
		return storeFailure(err)
	}

	matched, ok := matchStep(cred.Secret, code, at)
	if !ok {
		observability.RecordTOTPVerification("invalid")
		return ErrInvalidCode
	}
	if matched <= cred.LastUsedStep {
		observability.RecordTOTPVerification("replayed")
		return ErrReplayedCode
	}
	advanced, err := s.totps.AdvanceStep(ctx, principalID, matched, at)
	if err != nil {
		return storeFailure(err)
	}
	if !advanced {
		// A concurrent verification won the compare-and-set with this step.
		observability.RecordTOTPVerification("replayed")
		return ErrReplayedCode
	}
	if !cred.Confirmed() {
		if err := s.principals.SetMFAEnabled(ctx, principalID, true); err != nil {
			return storeFailure(err)
		}
		observability.Audit(ctx, "mfa_activated", "principal_id", principalID)
	}
	observability.RecordTOTPVerification("success")
	return nil
}

// matchStep generates the expected code for each step in the skew window and
// compares in constant time. All candidates are checked even after a hit.
func matchStep(secret, code string, at time.Time) (int64, bool) {
	base := at.Unix() / totpPeriod
	matched := int64(-1)
	found := false
	for offset := int64(-totpSkew); offset <= totpSkew; offset++ {
		step := base + offset
		if step < 0 {
			continue
		}
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*totpPeriod, 0).UTC(), totp.ValidateOpts{
			Period:    totpPeriod,
			Skew:      0,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			matched = step
			found = true
		}
	}
	return matched, found
}
