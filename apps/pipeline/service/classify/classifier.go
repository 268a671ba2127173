package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// Confidence buckets assigned to matched categories.
const (
	confidenceHigh    = 0.95
	confidenceMedium  = 0.75
	confidenceDefault = 0.50

	// llmThreshold routes low-confidence matches to patch debugging.
	llmThreshold = 0.80
)

// Classification is the structured signature of one build failure.
type Classification struct {
	// ErrorHash is the stable fingerprint for deduplication and lookup.
	ErrorHash string `json:"error_hash"`

	// Category is the matched error category, "unknown" if none matched.
	Category string `json:"category"`

	// Details is the first capture group of the matched pattern,
	// "N/A" when the pattern captures nothing.
	Details string `json:"details"`

	// Confidence is the bucketed confidence of the match.
	Confidence float64 `json:"confidence"`

	// RecommendedFixStrategy is a local remediation, empty if none exists.
	RecommendedFixStrategy string `json:"recommended_fix_strategy,omitempty"`

	// RequiresLLMDebug routes the failure to the patch debug engine.
	RequiresLLMDebug bool `json:"requires_llm_debug"`
}

// HasLocalRemediation reports whether a local fix strategy exists.
func (c Classification) HasLocalRemediation() bool {
	return c.RecommendedFixStrategy != ""
}

// categoryPatterns pairs a category with its compiled patterns. The
// slice order is the classification priority: earlier entries win when
// a log matches several categories. Do not reorder.
type categoryPatterns struct {
	category string
	patterns []*regexp.Regexp
}

var errorPatterns = []categoryPatterns{
	// Backend (Spring Boot)
	{"bean_injection_failure", compileAll(`No qualifying bean of type '(.*?)' available`)},
	{"circular_dependency", compileAll(`Relying upon circular references is discouraged and they are prohibited by default`)},
	{"missing_datasource", compileAll(`Failed to configure a DataSource: 'url' attribute is not specified`)},
	{"flyway_migration_failed", compileAll(`Flyway migration failed`)},
	{"r2dbc_connection_refused", compileAll(`R2DBC Connection to (.*?) refused`)},
	{"class_not_found", compileAll(`java.lang.ClassNotFoundException: (.*?)`)},
	{"method_not_found", compileAll(`java.lang.NoSuchMethodError: (.*?)`)},
	{"invalid_mapping", compileAll(`Ambiguous mapping\. Cannot resolve method`)},
	{"jwt_missing_secret", compileAll(`JWT secret key is missing`)},
	{"spring_security_unauthorized", compileAll(`Full authentication is required to access this resource`)},
	{"data_integrity_violation", compileAll(`org.springframework.dao.DataIntegrityViolationException`)},
	{"timeout_exception", compileAll(`java.util.concurrent.TimeoutException`)},
	{"null_pointer_exception", compileAll(`java.lang.NullPointerException`)},
	{"illegal_argument", compileAll(`java.lang.IllegalArgumentException: (.*?)`)},
	{"jackson_parse_error", compileAll(`com.fasterxml.jackson.core.JsonParseException`)},
	{"hibernate_mapping_error", compileAll(`org.hibernate.MappingException`)},
	{"missing_annotation", compileAll(`Annotation (.*?) is missing`)},
	{"invalid_bean_definition", compileAll(`org.springframework.beans.factory.BeanDefinitionStoreException`)},
	{"port_in_use_spring", compileAll(`Web server failed to start\. Port (.*?) was already in use`)},
	{"maven_dependency_resolution", compileAll(`Could not resolve dependencies for project`)},

	// Frontend (Angular)
	{"missing_module", compileAll(`Cannot find module '(.*?)' or its corresponding type declarations`)},
	{"component_not_found", compileAll(`The Component '(.*?)' is not statically analyzable`)},
	{"invalid_template", compileAll(`Template parse errors: (.*?)`)},
	{"unknown_property", compileAll(`Can't bind to '(.*?)' since it isn't a known property of`)},
	{"npm_missing_package", compileAll(`npm ERR! code E404\n.*?'(.*?)' is not in the npm registry`)},
	{"typescript_type_mismatch", compileAll(`Type '(.*?)' is not assignable to type '(.*?)'`)},
	{"angular_ivy_error", compileAll(`NGCC failed`)},
	{"routing_error", compileAll(`Cannot match any routes. URL Segment: '(.*?)'`)},
	{"missing_injection_token", compileAll(`NullInjectorError: No provider for (.*?)!`)},
	{"zonejs_error", compileAll(`Zone.js has detected that ZoneAwarePromise`)},

	// Docker / Infra
	{"docker_build_failed", compileAll(`failed to solve: process (.*?) did not complete successfully`)},
	{"container_oom", compileAll(`exited with code 137`)},
	{"volume_mount_failed", compileAll(`failed to recreate volume`)},
	{"network_not_found", compileAll(`network (.*?) not found`)},
	{"docker_daemon_unreachable", compileAll(`Cannot connect to the Docker daemon`)},

	// Environment / Config
	{"missing_env_var", compileAll(`Environment variable (.*?) is missing`)},
	{"invalid_env_format", compileAll(`Invalid format for environment variable (.*?)`)},
	{"cors_blocked", compileAll(`has been blocked by CORS policy`)},
	{"ssl_cert_expired", compileAll(`SSL certificate problem: certificate has expired`)},
	{"rate_limit_exceeded", compileAll(`429 Too Many Requests`)},
}

func compileAll(exprs ...string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		patterns = append(patterns, regexp.MustCompile(expr))
	}
	return patterns
}

var highConfidence = map[string]bool{
	"port_in_use_spring":  true,
	"missing_env_var":     true,
	"npm_missing_package": true,
}

var mediumConfidence = map[string]bool{
	"bean_injection_failure":   true,
	"missing_injection_token":  true,
	"typescript_type_mismatch": true,
}

// ErrorClassifier is a rule-based classification engine over the fixed
// ordered pattern table.
type ErrorClassifier struct{}

// NewErrorClassifier creates a classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// Classify matches the build log against the pattern table in priority
// order and returns the structured signature of the first match. Logs
// matching nothing fall back to the unknown category routed to patch
// debugging.
func (c *ErrorClassifier) Classify(buildLog string) Classification {
	for _, entry := range errorPatterns {
		for _, pattern := range entry.patterns {
			match := pattern.FindStringSubmatch(buildLog)
			if match == nil {
				continue
			}

			details := "N/A"
			if len(match) > 1 {
				details = match[1]
			}

			confidence := categoryConfidence(entry.category)
			strategy := localStrategy(entry.category, details)

			return Classification{
				ErrorHash:              Fingerprint(entry.category, details),
				Category:               entry.category,
				Details:                details,
				Confidence:             confidence,
				RecommendedFixStrategy: strategy,
				RequiresLLMDebug:       confidence < llmThreshold || strategy == "",
			}
		}
	}

	return Classification{
		ErrorHash:        Fingerprint("unknown", "Uncategorized error log"),
		Category:         "unknown",
		Details:          "Uncategorized error log",
		Confidence:       0.0,
		RequiresLLMDebug: true,
	}
}

// Fingerprint returns the stable hash identifying an error signature.
func Fingerprint(category, details string) string {
	sum := sha256.Sum256([]byte(category + ":" + details))
	return hex.EncodeToString(sum[:])
}

func categoryConfidence(category string) float64 {
	switch {
	case highConfidence[category]:
		return confidenceHigh
	case mediumConfidence[category]:
		return confidenceMedium
	default:
		return confidenceDefault
	}
}

// localStrategy returns a remediation a worker can apply without any
// model involvement, empty when the category has none.
func localStrategy(category, details string) string {
	switch category {
	case "npm_missing_package":
		return fmt.Sprintf("Run `npm install %s --save` or add to pom.xml", details)
	case "port_in_use_spring":
		return "Change server.port in application.yml to a different port (e.g., 8081)"
	case "missing_env_var":
		return fmt.Sprintf("Add %s to .env and application.yml", details)
	case "missing_injection_token":
		return fmt.Sprintf("Ensure %s is added to the strictly provided array or app.config.ts", details)
	default:
		return ""
	}
}
