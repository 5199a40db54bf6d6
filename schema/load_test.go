package schema_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/bastion"
	"github.com/syssam/bastion/schema"
)

const blogYAML = `
models:
  - name: User
    fields:
      - {name: name, type: string}
      - {name: email, type: string}
    relations:
      - {name: posts, model: Post, kind: has_many, foreign_key: author_id}
    rules:
      - name: self
        effect: allow
        operations: [all]
        condition:
          eq: {field: id, auth: sub}
  - name: Post
    fields:
      - {name: title, type: string}
      - {name: body, type: string, nullable: true}
      - {name: published, type: bool}
      - {name: author_id, type: string}
    relations:
      - {name: author, model: User, kind: belongs_to, foreign_key: author_id}
    rules:
      - name: public-read
        effect: allow
        operations: [read]
        condition:
          eq: {field: published, value: true}
      - name: owner-all
        effect: allow
        operations: [all]
        condition:
          eq: {field: author_id, auth: sub}
      - name: admin-read
        effect: allow
        operations: [read]
        condition:
          role: admin
      - name: hot-read
        effect: allow
        operations: [read]
        condition:
          cel: 'row.published == true'
      - name: lock-pinned
        effect: deny
        operations: [delete]
        condition:
          in: {field: title, values: [pinned, sticky]}
    field_rules:
      - name: author-immutable
        field: author_id
        effect: deny
`

func TestLoad(t *testing.T) {
	t.Parallel()

	s, err := schema.Load(strings.NewReader(blogYAML))
	require.NoError(t, err)

	post, ok := s.Model("Post")
	require.True(t, ok)
	assert.Equal(t, "posts", post.Table)
	require.Len(t, post.Rules, 5)

	assert.Equal(t, `published == true`, post.Rules[0].Cond.String())
	assert.Equal(t, bastion.Allow, post.Rules[0].Effect)
	assert.Equal(t, bastion.OpRead, post.Rules[0].Ops)

	assert.Equal(t, `author_id == auth.sub`, post.Rules[1].Cond.String())
	assert.True(t, post.Rules[1].Ops.Is(bastion.OpDelete))

	assert.Equal(t, `has_role("admin")`, post.Rules[2].Cond.String())
	assert.Equal(t, `cel("row.published == true")`, post.Rules[3].Cond.String())

	assert.Equal(t, bastion.Deny, post.Rules[4].Effect)
	assert.Equal(t, `title in ["pinned","sticky"]`, post.Rules[4].Cond.String())

	require.Len(t, post.FieldRules, 1)
	assert.Equal(t, "author_id", post.FieldRules[0].Field)
	assert.Equal(t, bastion.Deny, post.FieldRules[0].Effect)
	assert.Nil(t, post.FieldRules[0].Cond)

	rel, ok := post.Relation("author")
	require.True(t, ok)
	assert.Equal(t, schema.BelongsTo, rel.Kind)
	assert.Equal(t, "User", rel.Model)
}

func TestLoadNestedConditions(t *testing.T) {
	t.Parallel()

	doc := `
models:
  - name: Org
    fields:
      - {name: tenant_id, type: string}
    relations:
      - {name: members, model: Member, kind: has_many, foreign_key: org_id}
    rules:
      - name: member-read
        effect: allow
        operations: [read]
        condition:
          and:
            - eq: {field: tenant_id, auth: tenant}
            - some:
                relation: members
                where:
                  and:
                    - eq: {field: user_id, auth: sub}
                    - not:
                        eq: {field: suspended, value: true}
  - name: Member
    fields:
      - {name: org_id, type: string}
      - {name: user_id, type: string}
      - {name: suspended, type: bool}
`
	s, err := schema.Load(strings.NewReader(doc))
	require.NoError(t, err)

	org, _ := s.Model("Org")
	require.Len(t, org.Rules, 1)
	assert.Equal(t,
		`tenant_id == auth.tenant && some(members, user_id == auth.sub && !(suspended == true))`,
		org.Rules[0].Cond.String(),
	)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		msg  string
	}{
		{
			name: "empty document",
			doc:  `models: []`,
			msg:  "invalid document",
		},
		{
			name: "unknown key",
			doc: `
models:
  - name: A
    colour: red
`,
			msg: "decode",
		},
		{
			name: "bad field type",
			doc: `
models:
  - name: A
    fields:
      - {name: x, type: varchar}
`,
			msg: "invalid document",
		},
		{
			name: "condition with no operator",
			doc: `
models:
  - name: A
    rules:
      - name: r
        effect: allow
        operations: [read]
        condition: {}
`,
			msg: "no operator",
		},
		{
			name: "condition with two operators",
			doc: `
models:
  - name: A
    fields:
      - {name: x, type: int}
    rules:
      - name: r
        effect: allow
        operations: [read]
        condition:
          eq: {field: x, value: 1}
          role: admin
`,
			msg: "expected exactly one",
		},
		{
			name: "comparison with two right operands",
			doc: `
models:
  - name: A
    fields:
      - {name: x, type: string}
    rules:
      - name: r
        effect: allow
        operations: [read]
        condition:
          eq: {field: x, value: a, auth: sub}
`,
			msg: "exactly one of value, auth or other_field",
		},
		{
			name: "bad cel expression",
			doc: `
models:
  - name: A
    rules:
      - name: r
        effect: allow
        operations: [read]
        condition:
          cel: 'row.x =='
`,
			msg: "compile",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := schema.Load(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadAuthenticatedCondition(t *testing.T) {
	t.Parallel()

	doc := `
models:
  - name: Note
    fields:
      - {name: body, type: string}
    rules:
      - name: signed-in
        effect: allow
        operations: [create]
        condition:
          authenticated: true
      - name: guests
        effect: allow
        operations: [read]
        condition:
          authenticated: false
`
	s, err := schema.Load(strings.NewReader(doc))
	require.NoError(t, err)

	note, _ := s.Model("Note")
	assert.Equal(t, "auth != nil", note.Rules[0].Cond.String())
	assert.Equal(t, "auth == nil", note.Rules[1].Cond.String())
}
