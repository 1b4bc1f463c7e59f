package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sprintline/internal/completion"
	"sprintline/internal/domain"
)

// LLMHandler executes a role by prompting a completion client with the
// role persona and the task context. Structured results are read from the
// last fenced yaml block of the reply:
//
//	```yaml
//	artifacts: [ISSUE-1, ISSUE-2]
//	external_ref: "PR-42"
//	scorecard: {scope_control: 2, ...}
//	recycle: {kept: [], reused: [], banned: []}
//	```
type LLMHandler struct {
	Role      Role
	Client    completion.Client
	Personas  PersonaLoader
	Params    completion.Params
	Stream    bool
	Validator Validator
	// Log receives streamed chunks and call summaries; typically the role's
	// own logger.
	Log *zap.Logger
}

var yamlBlockRe = regexp.MustCompile("(?s)```ya?ml\\s*\\n(.*?)```")

type outputBlock struct {
	Artifacts   []string              `yaml:"artifacts"`
	ExternalRef string                `yaml:"external_ref"`
	Scorecard   *domain.Dimensions    `yaml:"scorecard"`
	Recycle     *domain.RecycleOutput `yaml:"recycle"`
}

func (h *LLMHandler) logger() *zap.Logger {
	if h.Log != nil {
		return h.Log
	}
	return zap.NewNop()
}

func (h *LLMHandler) Execute(ctx context.Context, c Context) (Result, error) {
	msgs, err := h.messages(c)
	if err != nil {
		return Result{}, err
	}
	log := h.logger().With(zap.String("role", string(h.Role)), zap.String("epic_id", c.EpicID), zap.String("issue_id", c.IssueID), zap.Int("attempt", c.Attempt))

	var resp completion.Response
	if h.Stream {
		resp, err = h.Client.Stream(ctx, msgs, h.Params, func(chunk string) error {
			log.Debug("chunk", zap.String("text", chunk))
			return nil
		})
	} else {
		resp, err = h.Client.Complete(ctx, msgs, h.Params)
	}
	if err != nil {
		return Result{}, err
	}
	log.Info("completion received", zap.Int("tokens", resp.TokensUsed()), zap.String("stop_reason", resp.StopReason))

	res := Result{Output: resp.Content, TokensUsed: resp.TokensUsed()}
	block, perr := parseOutputBlock(resp.Content)
	if perr != nil {
		res.ValidationErrors = append(res.ValidationErrors, perr.Error())
	}
	res.Artifacts = block.Artifacts
	res.ExternalRef = block.ExternalRef
	res.Claimed = block.Scorecard
	res.Recycle = block.Recycle

	v := h.Validator
	if v == nil {
		v = DefaultValidator(h.Role)
	}
	if ok, problems := v.Check(resp.Content); !ok {
		res.ValidationErrors = append(res.ValidationErrors, problems...)
	}
	if len(res.ValidationErrors) > 0 {
		log.Warn("output failed validation", zap.Strings("problems", res.ValidationErrors))
	}
	return res, nil
}

func (h *LLMHandler) messages(c Context) ([]completion.Message, error) {
	persona := ""
	guardrails := ""
	if h.Personas != nil {
		p, err := h.Personas.Persona(h.Role)
		if err != nil {
			return nil, err
		}
		persona = p
		guardrails = h.Personas.Guardrails()
	}
	system := persona
	if guardrails != "" {
		system = strings.TrimSpace(system + "\n\n" + guardrails)
	}
	return []completion.Message{
		{Role: completion.RoleSystem, Content: system},
		{Role: completion.RoleUser, Content: UserPrompt(c)},
	}, nil
}

// UserPrompt renders a Context as the user message.
func UserPrompt(c Context) string {
	var parts []string
	add := func(label, body string) {
		if strings.TrimSpace(body) != "" {
			parts = append(parts, label+":\n"+body)
		}
	}
	list := func(items []string) string {
		if len(items) == 0 {
			return ""
		}
		return "- " + strings.Join(items, "\n- ")
	}
	if c.EpicID != "" {
		ref := "Epic " + c.EpicID
		if c.IssueID != "" {
			ref += ", issue " + c.IssueID
		}
		if c.Attempt > 0 {
			ref += fmt.Sprintf(", attempt %d", c.Attempt)
		}
		parts = append(parts, ref)
	}
	add("Goal", c.Goal)
	add("Instructions", c.Instructions)
	add("Behavior Specification", c.BehaviorSpec)
	add("Files to Touch", list(c.Touches))
	add("Dependencies", list(c.Dependencies))
	add("Review Keynotes", list(c.ReviewKeynotes))
	add("Reuse from Prior Attempts", list(c.Reusable))
	add("Do Not Repeat", list(c.Banned))
	add("Prior Output", c.PriorOutput)
	add("Error to Fix", c.ErrorOutput)
	return strings.Join(parts, "\n\n")
}

func parseOutputBlock(content string) (outputBlock, error) {
	var block outputBlock
	matches := yamlBlockRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return block, nil
	}
	raw := matches[len(matches)-1][1]
	if err := yaml.Unmarshal([]byte(raw), &block); err != nil {
		return outputBlock{}, fmt.Errorf("unreadable result block: %w", err)
	}
	return block, nil
}
