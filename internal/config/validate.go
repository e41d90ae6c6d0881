package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/mailctl/mailctl/internal/mailerr"
)

var validate = validator.New()

// Validate checks that the configuration required by the active driver is
// present, following the same go-playground/validator wrapper style used
// elsewhere in this codebase for struct-tagged validation.
func (c *Config) Validate() error {
	switch c.Driver {
	case "smtp":
		return validateStruct(smtpRequired{
			Host:        c.Drivers.SMTP.Host,
			FromAddress: c.Drivers.SMTP.From.Address,
		})
	case "mailgun":
		return validateStruct(mailgunRequired{
			APIKey:      c.Drivers.Mailgun.APIKey,
			Domain:      c.Drivers.Mailgun.Domain,
			FromAddress: c.Drivers.Mailgun.From.Address,
		})
	case "sendmail":
		return validateStruct(sendmailRequired{
			FromAddress: c.Drivers.Sendmail.From.Address,
		})
	case "null":
		return nil
	default:
		return fmt.Errorf("%w: unknown driver %q", mailerr.ErrConfig, c.Driver)
	}
}

type smtpRequired struct {
	Host        string `validate:"required"`
	FromAddress string `validate:"required,email"`
}

type mailgunRequired struct {
	APIKey      string `validate:"required"`
	Domain      string `validate:"required"`
	FromAddress string `validate:"required,email"`
}

type sendmailRequired struct {
	FromAddress string `validate:"required,email"`
}

func validateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", mailerr.ErrConfig, err)
	}
	return nil
}
