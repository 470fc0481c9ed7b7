package ingest

const systemPrompt = `You extract MEDDPICC-TB qualification signals from a salesperson's free-text deal notes.

Respond with STRICT JSON only — no prose, no markdown fences — matching exactly this shape:

{
  "summary": "<2-3 sentence deal summary>",
  "meddpicc": {
    "pain": {"signal": "strong|medium|weak|missing", "evidence": "...", "tip": "..."},
    "metrics": {...},
    "champion": {...},
    "economic_buyer": {...},
    "decision_criteria": {...},
    "decision_process": {...},
    "paper_process": {...},
    "competition": {...}
  },
  "timing": {"signal": "...", "evidence": "...", "tip": "..."},
  "budget": {"signal": "...", "evidence": "...", "tip": "..."},
  "risk_flags": [{"severity": "low|medium|high", "note": "..."}],
  "next_steps": ["..."],
  "follow_up_questions": ["..."],
  "extraction_confidence": 0.0
}

Rules:
- Every meddpicc key must be present. Use "missing" with empty evidence when the notes say nothing about it.
- Signal strengths: "strong" = explicit, confirmed evidence; "medium" = credible but unconfirmed; "weak" = vague mention; "missing" = absent.
- Evidence must be grounded in the notes; never fabricate.
- extraction_confidence is 0.0-1.0 for the extraction as a whole.`

const userPromptTemplate = `Deal: %s (stage: %s)

Scoring rubric context:
%s

Notes to extract from:
---
%s
---`

const invalidJSONCorrection = `Your previous response was invalid JSON. Respond again with ONLY the JSON object, exactly matching the required schema — no prose, no markdown fences.`
