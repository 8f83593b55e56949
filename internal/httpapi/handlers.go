package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/SchizoDuckie/unicornpoep-sub004/internal/questions"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/relay"
)

// GenerateCode produces a 6-character session code, the identifier players
// type (or scan) to join a host.
func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

// CreateSession hands out a fresh code that no live session currently uses.
// The session itself only exists once the host attaches over the websocket.
func CreateSession(rl *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var code string
		for {
			c, err := GenerateCode()
			if err != nil {
				http.Error(w, "failed to generate code", http.StatusInternalServerError)
				return
			}
			if !rl.Has(c) {
				code = c
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(struct {
			Code string `json:"code"`
		}{Code: code})
	}
}

// SessionQR renders a PNG QR code pointing at the join URL for a session,
// so the host can put it on screen for everyone else to scan.
func SessionQR(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	path := strings.TrimSuffix(r.URL.Path, "/qr")
	url := fmt.Sprintf("%s://%s%s", scheme, r.Host, path)

	const qrSize = 320
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// GetSheet serves one resolved question sheet as JSON, for hosts that pull
// their questions from the server instead of local files.
func GetSheet(src questions.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			http.Error(w, "missing sheet id", http.StatusBadRequest)
			return
		}

		catalog, err := src.GetQuestionsForSheets([]string{id})
		if err != nil {
			if errors.Is(err, questions.ErrUnknownSheet) {
				http.Error(w, "sheet not found", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to load sheet", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(catalog.Sheets[0])
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
