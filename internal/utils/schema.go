package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/senyabanana/sealed-tender/internal/models"

	"github.com/xeipuuv/gojsonschema"
)

// maxBodySize ограничивает размер тела запроса.
const maxBodySize = 1 << 20

const offerDefinition = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["tenderId", "deliveryDays", "financial"],
	"properties": {
		"tenderId": {"type": "string", "minLength": 1},
		"deliveryDays": {"type": "integer"},
		"attachments": {"type": "array", "items": {"type": "string"}},
		"financial": {
			"type": "object",
			"additionalProperties": false,
			"required": ["price", "currency", "paymentTerms"],
			"properties": {
				"price": {"type": "number"},
				"currency": {"type": "string"},
				"paymentTerms": {"type": "string"},
				"financialProposal": {"type": "string"},
				"unitPrices": {"type": "object", "additionalProperties": {"type": "number"}}
			}
		}
	}
}`

// Схемы тел запросов. Неизвестные поля отклоняются.
var (
	TenderSchema = mustSchema(`{
		"type": "object",
		"additionalProperties": false,
		"required": ["title", "openingDate", "deadline"],
		"properties": {
			"title": {"type": "string"},
			"openingDate": {"type": "string", "format": "date-time"},
			"deadline": {"type": "string", "format": "date-time"},
			"allowPartialAward": {"type": "boolean"},
			"maxWinners": {"type": "integer"}
		}
	}`)

	VersionSchema = mustSchema(`{
		"type": "object",
		"additionalProperties": false,
		"required": ["version"],
		"properties": {"version": {"type": "integer", "minimum": 1}}
	}`)

	ScheduleSchema = mustSchema(`{
		"type": "object",
		"additionalProperties": false,
		"required": ["version"],
		"properties": {
			"version": {"type": "integer", "minimum": 1},
			"openingDate": {"type": "string", "format": "date-time"},
			"deadline": {"type": "string", "format": "date-time"}
		}
	}`)

	OfferSchema = mustSchema(offerDefinition)

	OfferBatchSchema = mustSchema(`{
		"type": "object",
		"additionalProperties": false,
		"required": ["offers"],
		"properties": {"offers": {"type": "array", "items": ` + offerDefinition + `}}
	}`)

	EvaluationSchema = mustSchema(`{
		"type": "object",
		"additionalProperties": false,
		"required": ["score"],
		"properties": {
			"score": {"type": "number"},
			"notes": {"type": "string"}
		}
	}`)

	LineItemsSchema = mustSchema(`{
		"type": "object",
		"additionalProperties": false,
		"required": ["lineItems"],
		"properties": {
			"lineItems": {
				"type": "array",
				"items": {
					"type": "object",
					"additionalProperties": false,
					"required": ["lineItemId", "totalQuantity"],
					"properties": {
						"lineItemId": {"type": "string", "minLength": 1},
						"description": {"type": "string"},
						"totalQuantity": {"type": "number"}
					}
				}
			}
		}
	}`)

	DistributionSchema = mustSchema(`{
		"type": "object",
		"additionalProperties": false,
		"required": ["distribution"],
		"properties": {
			"distribution": {
				"type": "array",
				"items": {
					"type": "object",
					"additionalProperties": false,
					"required": ["offerId", "quantity", "unitPrice"],
					"properties": {
						"offerId": {"type": "string", "minLength": 1},
						"quantity": {"type": "number"},
						"unitPrice": {"type": "number"}
					}
				}
			}
		}
	}`)

	WinnerSchema = mustSchema(`{
		"type": "object",
		"additionalProperties": false,
		"required": ["offerId"],
		"properties": {"offerId": {"type": "string", "minLength": 1}}
	}`)
)

func mustSchema(source string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		panic(fmt.Sprintf("invalid request schema: %v", err))
	}
	return schema
}

// ValidatePayload проверяет документ по схеме и собирает все нарушения в одну ошибку.
func ValidatePayload(schema *gojsonschema.Schema, payload []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return models.NewValidationError("invalid request body: %v", err)
	}
	if !result.Valid() {
		violations := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			violations = append(violations, e.String())
		}
		resp := models.NewValidationError("request body failed schema validation: %s", strings.Join(violations, "; "))
		resp.Details = violations
		return resp
	}
	return nil
}

// DecodeBody читает тело запроса, проверяет его по схеме и разбирает в dst.
func DecodeBody(r *http.Request, schema *gojsonschema.Schema, dst any) error {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return models.NewValidationError("invalid request body")
	}
	if len(payload) > maxBodySize {
		return models.NewValidationError("request body is too large")
	}
	if err := ValidatePayload(schema, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return models.NewValidationError("invalid request body: %v", err)
	}
	return nil
}
