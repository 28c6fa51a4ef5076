// Package tone turns a profile's communication style into a tone policy that is
// appended to model system prompts.
package tone

import (
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Tag is one tone instruction.
type Tag string

const (
	TagConcise             Tag = "concise"
	TagDetailed            Tag = "detailed"
	TagFormal              Tag = "formal"
	TagCasual              Tag = "casual"
	TagNoEmojis            Tag = "no_emojis"
	TagEmojisOK            Tag = "emojis_ok"
	TagBulletPoints        Tag = "bullet_points"
	TagOneQuestion         Tag = "one_question_at_a_time"
	TagWarmSupportive      Tag = "warm_supportive"
	TagNeutralProfessional Tag = "neutral_professional"
	TagDirectCoach         Tag = "direct_coach"
	TagGentleCoach         Tag = "gentle_coach"
	TagActionable          Tag = "default_actionable"
	TagChallenge           Tag = "challenge"
)

var instructions = map[Tag]string{
	TagConcise:             "Be concise: short sentences, minimal filler.",
	TagDetailed:            "Be detailed: give a little more explanation, but avoid rambling.",
	TagFormal:              "Use formal diction and a professional register.",
	TagCasual:              "Use casual, friendly language.",
	TagNoEmojis:            "Do NOT use emojis.",
	TagEmojisOK:            "Emojis are welcome where appropriate.",
	TagBulletPoints:        "Prefer bullet points when listing items.",
	TagOneQuestion:         "Ask at most one question per message.",
	TagWarmSupportive:      "Adopt a warm, supportive stance. Encourage the user.",
	TagNeutralProfessional: "Keep a neutral, professional stance.",
	TagDirectCoach:         "Be a direct coach: clear, action-oriented feedback.",
	TagGentleCoach:         "Be a gentle coach: patient, encouraging guidance.",
	TagActionable:          "End with one concrete next step.",
	TagChallenge:           "Push the user a little past their comfort zone.",
}

// tagOrder fixes the rendering order of a guide.
var tagOrder = []Tag{
	TagConcise, TagDetailed, TagFormal, TagCasual, TagNoEmojis, TagEmojisOK, TagBulletPoints, TagOneQuestion,
	TagWarmSupportive, TagNeutralProfessional, TagDirectCoach, TagGentleCoach, TagActionable, TagChallenge,
}

// exclusive lists tags where at most one may be active; the earlier tag in a set wins.
var exclusive = [][2]Tag{
	{TagConcise, TagDetailed},
	{TagFormal, TagCasual},
	{TagNoEmojis, TagEmojisOK},
	{TagDirectCoach, TagGentleCoach},
	{TagWarmSupportive, TagNeutralProfessional},
}

var styleTags = map[models.CommunicationStyle][]Tag{
	models.StyleDirect:       {TagConcise, TagDirectCoach, TagActionable},
	models.StyleSupportive:   {TagWarmSupportive, TagGentleCoach},
	models.StyleAnalytical:   {TagDetailed, TagNeutralProfessional, TagBulletPoints},
	models.StyleMotivational: {TagWarmSupportive, TagEmojisOK, TagActionable},
	models.StyleCasual:       {TagCasual, TagEmojisOK, TagConcise},
	models.StyleFormal:       {TagFormal, TagNoEmojis, TagNeutralProfessional},
	models.StyleEncouraging:  {TagWarmSupportive, TagGentleCoach, TagEmojisOK},
	models.StyleChallenging:  {TagDirectCoach, TagChallenge, TagConcise},
}

// TagsFor returns the resolved tags for a style. Unknown styles fall back to the
// direct style. The one-question rule is always present.
func TagsFor(style models.CommunicationStyle) []Tag {
	tags, ok := styleTags[style]
	if !ok {
		tags = styleTags[models.StyleDirect]
	}
	return Resolve(append([]Tag{TagOneQuestion}, tags...))
}

// Resolve drops unknown and duplicate tags and enforces the exclusive pairs,
// keeping whichever tag of a pair appears first. The result is in rendering order.
func Resolve(tags []Tag) []Tag {
	active := make(map[Tag]bool, len(tags))
	for _, t := range tags {
		if _, known := instructions[t]; !known {
			continue
		}
		conflict := false
		for _, pair := range exclusive {
			if (t == pair[0] && active[pair[1]]) || (t == pair[1] && active[pair[0]]) {
				conflict = true
				break
			}
		}
		if !conflict {
			active[t] = true
		}
	}
	out := make([]Tag, 0, len(active))
	for _, t := range tagOrder {
		if active[t] {
			out = append(out, t)
		}
	}
	return out
}

// Guide renders the tone policy for a style.
func Guide(style models.CommunicationStyle) string {
	return BuildGuide(TagsFor(style))
}

// BuildGuide renders a tone policy block for the given tags. It returns an empty
// string when there are no tags.
func BuildGuide(tags []Tag) string {
	if len(tags) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n<TONE POLICY>\nAdapt your wording to the user's communication style:\n")
	for _, t := range tags {
		if text, ok := instructions[t]; ok {
			b.WriteString("- ")
			b.WriteString(text)
			b.WriteString("\n")
		}
	}
	b.WriteString("- NEVER mirror hostility, sarcasm, insults, or unsafe language.\n")
	b.WriteString("</TONE POLICY>\n")
	return b.String()
}
