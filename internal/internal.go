package internal

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/jsuar/go-cron-descriptor/pkg/crondescriptor"
)

// CalculateBackoff calculates the number of seconds to back off before the next retry
// this formula is unabashedly taken from Sidekiq because it is good.
func CalculateBackoff(retryCount int) time.Duration {
	p := int(math.Round(math.Pow(float64(retryCount), 4)))
	return time.Duration(p+15+RandInt(30)*retryCount+1) * time.Second
}

// RandInt returns a random integer up to max
func RandInt(max int) int {
	r := rand.New(rand.NewSource(time.Now().UnixNano())) // nolint: gosec
	return r.Intn(max)
}

// StripNonAlphanum strips nonalphanumeric characters from a string and returns a new one
func StripNonAlphanum(s string) string {
	var result strings.Builder
	for i := 0; i < len(s); i++ {
		b := s[i]
		if (b == '_') ||
			('a' <= b && b <= 'z') ||
			('A' <= b && b <= 'Z') ||
			('0' <= b && b <= '9') ||
			b == ' ' {
			result.WriteByte(b)
		}
	}
	return result.String()
}

// CronQueueName derives a queue name from the human description of a cron spec, e.g. "* * * * * *" is handled
// on queue "every_second"
func CronQueueName(cronSpec string) (queue string, err error) {
	cd, err := crondescriptor.NewCronDescriptor(cronSpec)
	if err != nil {
		return "", fmt.Errorf("error creating cron descriptor: %w", err)
	}

	cdStr, err := cd.GetDescription(crondescriptor.Full)
	if err != nil {
		return "", fmt.Errorf("error getting cron description: %w", err)
	}

	return StripNonAlphanum(strcase.ToSnake(*cdStr)), nil
}
