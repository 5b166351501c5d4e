package credential

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/utilitywarehouse/git-backup/internal/lock"
)

// githubAPIURL is the root of the GitHub REST API
var githubAPIURL = "https://api.github.com"

type GithubAppTokenReqPermissions struct {
	Repositories []string          `json:"repositories"`
	Permissions  map[string]string `json:"permissions"`
}

type GithubAppToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GithubAppInstallationToken creates an installation access token for the
// GitHub App limited to the requested repositories and permissions
func GithubAppInstallationToken(ctx context.Context,
	appID, installationID, privateKeyPath string, reqPerms GithubAppTokenReqPermissions,
) (*GithubAppToken, error) {
	privatePEMData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(privatePEMData)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("failed to decode PEM block containing private key")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: privateKey}, nil)
	if err != nil {
		return nil, err
	}

	cl := jwt.Claims{
		// GitHub App's ID or client ID
		Issuer: appID,
		// issued at time, 60 seconds in the past to allow for clock drift
		IssuedAt: jwt.NewNumericDate(time.Now().Add(-60 * time.Second)),
		// JWT expiration time (10 minute maximum)
		Expiry: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
	}

	jwtToken, err := jwt.Signed(signer).Claims(cl).Serialize()
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(reqPerms)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", githubAPIURL, installationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		errMessage, err := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GitHub app token response status %d, body:%q  err:%w", resp.StatusCode, errMessage, err)
	}

	var tokenResponse GithubAppToken
	if err := json.NewDecoder(resp.Body).Decode(&tokenResponse); err != nil {
		return nil, err
	}

	return &tokenResponse, nil
}

// githubAppTokens caches one installation token per repository
type githubAppTokens struct {
	appID          string
	installationID string
	privateKeyPath string

	lock   lock.Mutex
	tokens map[string]GithubAppToken
}

func newGithubAppTokens(conf Config) *githubAppTokens {
	if conf.GithubAppID == "" || conf.GithubAppInstallationID == "" || conf.GithubAppPrivateKeyPath == "" {
		return nil
	}
	return &githubAppTokens{
		appID:          conf.GithubAppID,
		installationID: conf.GithubAppInstallationID,
		privateKeyPath: conf.GithubAppPrivateKeyPath,
		tokens:         make(map[string]GithubAppToken),
	}
}

func (g *githubAppTokens) token(ctx context.Context, repo string) (string, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	// return token if current token is valid for next 10 min
	if t, ok := g.tokens[repo]; ok && t.ExpiresAt.After(time.Now().UTC().Add(10*time.Minute)) {
		return t.Token, nil
	}

	permissions := GithubAppTokenReqPermissions{
		Repositories: []string{repo},
		Permissions:  map[string]string{"contents": "read"},
	}

	token, err := GithubAppInstallationToken(ctx, g.appID, g.installationID, g.privateKeyPath, permissions)
	if err != nil {
		return "", err
	}

	g.tokens[repo] = *token
	return token.Token, nil
}
