package greenchoice

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/andygrunwald/greenchoice-importer/internal/models"
)

// HourlyReadings fetches the hourly readings of all products for the calendar
// day of day, in the session's location. Transport, status and decode
// failures all wrap ErrDataFetchFailed.
func (s *Session) HourlyReadings(ctx context.Context, day time.Time) (*models.Consumption, error) {
	day = day.In(s.location)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.location)
	end := start.AddDate(0, 0, 1)

	params := url.Values{}
	params.Set("interval", "hour")
	params.Set("start", start.Format(time.DateOnly))
	params.Set("end", end.Format(time.DateOnly))
	apiURL := s.portalURL + "/api/consumption?" + params.Encode()

	s.logger.Debug().
		Str("url", apiURL).
		Str("day", start.Format(time.DateOnly)).
		Msg("fetching hourly readings")

	body, err := s.fetch(ctx, apiURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDataFetchFailed, start.Format(time.DateOnly), err)
	}

	consumption, err := models.DecodeConsumption(body, s.location)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDataFetchFailed, start.Format(time.DateOnly), err)
	}

	s.logger.Debug().
		Str("day", start.Format(time.DateOnly)).
		Int("entries", len(consumption.Entries)).
		Msg("fetched hourly readings")

	return consumption, nil
}

func (s *Session) fetch(ctx context.Context, apiURL string) ([]byte, error) {
	req, err := s.newRequest(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp)

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return body, nil
}
